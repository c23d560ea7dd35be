package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
)

// ErrNotFound is returned by Get when no object is stored under the key.
var ErrNotFound = errors.New("object not found")

// Class partitions storage failures into retryable and terminal ones.
type Class int

const (
	// Permanent failures are configuration, authorization or not-found
	// conditions that will not resolve on retry.
	Permanent Class = iota
	// Transient failures are timeouts and network conditions worth retrying.
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Error wraps a backend failure with its operation, key and class.
type Error struct {
	Op    string
	Key   string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %q: %s", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf reports the failure class of err. Anything not explicitly
// classified as transient is treated as permanent, so misconfiguration
// never triggers a retry storm.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	if IsTransient(err) {
		return Transient
	}
	return Permanent
}

// IsTransient reports whether err looks like a retryable condition:
// a timeout, an interrupted syscall, or a broken network connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return IsTransient(pathErr.Err)
	}
	return false
}

// wrap classifies err and wraps it in an *Error. Not-found conditions are
// passed through so errors.Is(err, ErrNotFound) keeps working.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	class := Permanent
	if IsTransient(err) {
		class = Transient
	}
	return &Error{Op: op, Key: key, Class: class, Err: err}
}
