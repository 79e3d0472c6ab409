// Package ipc implements the length-prefixed framing used on the duplex
// socket between the front end and the auth sub-daemon: an 8-byte
// big-endian length followed by exactly that many bytes of an encoded
// message.
//
// There is no resynchronization: once a frame is malformed the stream is
// unusable and the connection must be torn down.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the largest accepted frame payload. Anything larger on
// the read side is a fatal protocol error.
const MaxMessageSize = 16 * 1024

// ErrMessageTooBig is returned for frames exceeding MaxMessageSize, on
// either direction.
var ErrMessageTooBig = errors.New("ipc: message too big")

// ReadMessage reads one frame. It returns io.EOF only when the stream
// ends exactly on a frame boundary; EOF anywhere inside a frame is
// reported as io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ipc: reading message size: %w", err)
	}
	size := binary.BigEndian.Uint64(header[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooBig, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			// The header promised a payload; ending here is mid-frame.
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("ipc: reading %d-byte message: %w", size, err)
	}
	return payload, nil
}

// WriteMessage writes one frame. Oversize payloads are rejected before
// anything hits the wire so the stream stays consistent.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooBig, len(payload))
	}
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: writing message size: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: writing message: %w", err)
	}
	return nil
}
