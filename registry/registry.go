// Package registry maps published journal writers to stable, small
// integer indices used on the wire between this server and its
// replication clients.
package registry

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Index is a small non-negative integer assigned to a published writer.
// Once assigned it is never reused or changed for the server's lifetime.
type Index int32

// NotFound is reported to callers who fail to resolve a JournalKey.
const NotFound Index = -1

// JournalKey identifies a journal by id and an optional storage location.
// A nil Location matches only another nil Location.
type JournalKey struct {
	ID       string
	Location *string
}

// Equal reports whether two JournalKeys refer to the same journal.
func (k JournalKey) Equal(o JournalKey) bool {
	if k.ID != o.ID {
		return false
	}
	if (k.Location == nil) != (o.Location == nil) {
		return false
	}
	return k.Location == nil || *k.Location == *o.Location
}

// Writer is the external collaborator a published entry wraps. Its
// internals (append, read-back, commit sequencing) are out of scope
// for this module; only its identity as a JournalKey matters here.
type Writer interface {
	JournalKey() JournalKey
}

// ErrRegistryClosed is returned by Publish once the registry has been
// closed by the owning Server's start. This registry rejects
// publication after start explicitly, rather than silently hot-adding
// or leaving the behavior undefined.
var ErrRegistryClosed = errors.New("writer registry is closed to new publications")

type entry struct {
	key    JournalKey
	index  Index
	writer Writer
}

// Registry is a WriterRegistry. It is safe for concurrent use, though
// in practice Publish is only ever called before Close (i.e. before
// the owning Server reaches Running).
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// New returns an empty, open Registry.
func New() *Registry {
	return &Registry{}
}

// Publish assigns the next WriterIndex to writer and returns it.
// Publish must be called only before the registry is Closed (normally
// by the owning Server's start); calling it afterward returns
// ErrRegistryClosed and no index.
func (r *Registry) Publish(w Writer) (Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return NotFound, ErrRegistryClosed
	}
	var idx = Index(len(r.entries))
	r.entries = append(r.entries, entry{key: w.JournalKey(), index: idx, writer: w})
	return idx, nil
}

// Resolve returns the index assigned to key, or NotFound if no writer
// with that key has been published. Iteration order is not
// contractual; only the set of published keys determines the result.
func (r *Registry) Resolve(key JournalKey) Index {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.key.Equal(key) {
			return e.index
		}
	}
	return NotFound
}

// Close seals the registry against further Publish calls. It is
// idempotent. The owning Server calls this at the start of Start(),
// before the acceptor or bridge are brought up, so that the writer
// index space is frozen for the remainder of the process lifetime.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Range calls fn once for each published writer, in publish order.
// The owning Server's Start uses this to install a commit listener per
// writer; it is safe to call concurrently with Resolve, but Publish
// must not still be in progress (Start closes the registry first).
func (r *Registry) Range(fn func(Index, Writer)) {
	r.mu.Lock()
	var snapshot = make([]entry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		fn(e.index, e.writer)
	}
}

// Len returns the number of published writers. Used by the gauge
// below and by tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Collector returns a Prometheus collector reporting the registry's
// current writer count as replicad_writers_published. The owning
// Server builds it once, in New, and returns it from Collectors; it is
// registered by whoever serves metrics (AdminService.Start), mirroring
// the small collector-struct pattern used for similar process-lifetime
// gauges in the broader corpus.
func (r *Registry) Collector() prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "replicad_writers_published",
		Help: "Number of journal writers published to the registry.",
	}, func() float64 { return float64(r.Len()) })
}
