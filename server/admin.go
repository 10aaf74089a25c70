package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// AdminService is the tiny loopback management surface the Server
// exposes alongside its data-plane listener: a gRPC health endpoint
// reporting Running/not-Running, an HTTP /metrics page, and an HTTP
// /halt endpoint an operator or supervisor process can hit to request
// a non-blocking halt without going through the replication protocol.
type AdminService struct {
	server *Server

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
}

// NewAdminService constructs an AdminService for the given Server. It
// does not start listening until Start is called.
func NewAdminService(s *Server) *AdminService {
	var hs = health.NewServer()
	var gs = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)

	return &AdminService{server: s, grpcServer: gs, health: hs}
}

// Start binds grpcAddr (health RPC) and httpAddr (/metrics, /halt),
// registering every collector from Collectors against a fresh
// Prometheus registry, and begins serving both on dedicated
// goroutines. Either address may be empty to skip that surface.
func (a *AdminService) Start(grpcAddr, httpAddr string) error {
	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	go a.watchServingStatus()

	if grpcAddr != "" {
		var lis, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			return err
		}
		go func() {
			if serr := a.grpcServer.Serve(lis); serr != nil {
				log.WithError(serr).Warn("admin: grpc health server stopped")
			}
		}()
	}

	if httpAddr != "" {
		var registry = prometheus.NewRegistry()
		for _, c := range a.server.Collectors() {
			_ = registry.Register(c)
		}

		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/halt", a.handleHalt)

		var lis, err = net.Listen("tcp", httpAddr)
		if err != nil {
			return err
		}
		a.httpServer = &http.Server{Handler: mux}
		go func() {
			if serr := a.httpServer.Serve(lis); serr != nil && serr != http.ErrServerClosed {
				log.WithError(serr).Warn("admin: http server stopped")
			}
		}()
	}
	return nil
}

// watchServingStatus mirrors the Server's Running state into the
// gRPC health server until the Server stops, polling rather than
// subscribing because Server exposes no state-change notification
// beyond Wait (which blocks until fully Stopped).
func (a *AdminService) watchServingStatus() {
	var ticker = time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if a.server.Running() {
			a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		} else {
			a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			if a.server.State() == Stopped {
				return
			}
		}
	}
}

func (a *AdminService) handleHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	log.WithField("remote", r.RemoteAddr).Info("admin: halt requested over http")
	go a.server.Halt(30 * time.Second)
	w.WriteHeader(http.StatusAccepted)
}

// Stop tears down both listeners. It does not halt the Server itself.
func (a *AdminService) Stop(ctx context.Context) {
	a.grpcServer.GracefulStop()
	if a.httpServer != nil {
		_ = a.httpServer.Shutdown(ctx)
	}
}
