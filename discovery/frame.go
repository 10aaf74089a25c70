package discovery

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is the on-demand discovery request/response payload:
//
//	u32 magic-or-message-code
//	u16 name-length (chars, UTF-16 code units)
//	u16[name-length] hostname/address characters
//	u8  ssl-enabled (0 or 1)
//	u32 tcp-port
//
// A request frame carries the request code and a zero-length,
// zero-port body; a response frame carries the response code and the
// responding node's address, SSL flag, and TCP port.
type Frame struct {
	Code    uint32
	Host    string
	SSL     bool
	TCPPort uint32
}

// Marshal encodes f in the wire format above.
func (f Frame) Marshal() []byte {
	var runes = []uint16{}
	for _, r := range f.Host {
		runes = append(runes, uint16(r))
	}
	var buf = make([]byte, 4+2+2*len(runes)+1+4)
	var off int

	binary.BigEndian.PutUint32(buf[off:], f.Code)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(runes)))
	off += 2
	for _, r := range runes {
		binary.BigEndian.PutUint16(buf[off:], r)
		off += 2
	}
	if f.SSL {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(buf[off:], f.TCPPort)
	return buf
}

// Unmarshal decodes a Frame from buf. It returns an error if buf is
// too short for the declared name length or the fixed trailer.
func Unmarshal(buf []byte) (Frame, error) {
	if len(buf) < 4+2 {
		return Frame{}, io.ErrUnexpectedEOF
	}
	var f Frame
	var off int

	f.Code = binary.BigEndian.Uint32(buf[off:])
	off += 4
	var nameLen = int(binary.BigEndian.Uint16(buf[off:]))
	off += 2

	if len(buf) < off+2*nameLen+1+4 {
		return Frame{}, fmt.Errorf("discovery: short frame (want %d bytes, have %d)",
			off+2*nameLen+1+4, len(buf))
	}
	var runes = make([]rune, nameLen)
	for i := 0; i < nameLen; i++ {
		runes[i] = rune(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	}
	f.Host = string(runes)

	f.SSL = buf[off] != 0
	off++
	f.TCPPort = binary.BigEndian.Uint32(buf[off:])
	return f, nil
}
