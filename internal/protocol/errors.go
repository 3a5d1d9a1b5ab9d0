package protocol

import (
	"errors"
	"fmt"
)

const (
	// Identifier is the protocol string carried in every handshake.
	Identifier = "BitTorrent protocol"

	BlockSize = 16 * 1024 // 16 KB
)

// ProtocolError reports a peer that violated the wire format: a malformed
// handshake, a truncated frame or an undecodable message. It is local to one
// connection and the peer is not retried.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(op string, format string, args ...any) *ProtocolError {
	return &ProtocolError{Op: op, Err: fmt.Errorf(format, args...)}
}

// ConnectionError wraps socket level failures. The peer may be retried later.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HashMismatchError is returned when an assembled piece fails verification.
// Peers lists the connections that supplied blocks of the piece.
type HashMismatchError struct {
	Index int
	Peers []string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("piece %d failed hash verification", e.Index)
}

type StorageError struct {
	Index int
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error on piece %d: %v", e.Index, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery error: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err, or any error it wraps, is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
