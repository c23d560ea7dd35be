package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// flakyStore fails the first failN calls to each operation with the
// configured error, then delegates to an in-memory map.
type flakyStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  error
	failN int
	calls int
}

func newFlakyStore(fail error, failN int) *flakyStore {
	return &flakyStore{data: make(map[string][]byte), fail: fail, failN: failN}
}

func (s *flakyStore) maybeFail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return s.fail
	}
	return nil
}

func (s *flakyStore) Put(_ context.Context, key string, r io.Reader) error {
	if err := s.maybeFail(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

func (s *flakyStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *flakyStore) Delete(_ context.Context, key string) error {
	if err := s.maybeFail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *flakyStore) Exists(_ context.Context, key string) (bool, error) {
	if err := s.maybeFail(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok, nil
}

func transient() error {
	return &Error{Op: "put", Key: "k", Class: Transient, Err: errors.New("connection reset")}
}

func permanent() error {
	return &Error{Op: "put", Key: "k", Class: Permanent, Err: errors.New("access denied")}
}

func TestRetryStore_RetriesTransient(t *testing.T) {
	inner := newFlakyStore(transient(), 2)
	s := NewRetryStore(inner, time.Second, 3)

	err := s.Put(context.Background(), "k", bytes.NewReader([]byte("v")))
	if err != nil {
		t.Fatalf("Put failed after retries: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryStore_GivesUpAfterMaxRetries(t *testing.T) {
	inner := newFlakyStore(transient(), 100)
	s := NewRetryStore(inner, time.Second, 2)

	err := s.Put(context.Background(), "k", bytes.NewReader([]byte("v")))
	if err == nil {
		t.Fatal("Put = nil, want error")
	}
	// 1 attempt + 2 retries.
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryStore_NoRetryOnPermanent(t *testing.T) {
	inner := newFlakyStore(permanent(), 100)
	s := NewRetryStore(inner, time.Second, 5)

	err := s.Put(context.Background(), "k", bytes.NewReader([]byte("v")))
	if err == nil {
		t.Fatal("Put = nil, want error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for permanent errors)", inner.calls)
	}
}

func TestRetryStore_NoRetryOnNotFound(t *testing.T) {
	inner := newFlakyStore(nil, 0)
	s := NewRetryStore(inner, time.Second, 5)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryStore_PutReplaysSeekableReader(t *testing.T) {
	inner := newFlakyStore(transient(), 1)
	s := NewRetryStore(inner, time.Second, 2)

	content := []byte("full crate content")
	if err := s.Put(context.Background(), "k", bytes.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, err := s.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Errorf("stored content = %q, want %q (reader must be rewound between attempts)", got, content)
	}
}

func TestClassOf(t *testing.T) {
	if got := ClassOf(transient()); got != Transient {
		t.Errorf("ClassOf(transient) = %v", got)
	}
	if got := ClassOf(permanent()); got != Permanent {
		t.Errorf("ClassOf(permanent) = %v", got)
	}
	if got := ClassOf(context.DeadlineExceeded); got != Transient {
		t.Errorf("ClassOf(DeadlineExceeded) = %v, want Transient", got)
	}
	if got := ClassOf(ErrNotFound); got != Permanent {
		t.Errorf("ClassOf(ErrNotFound) = %v, want Permanent", got)
	}
}
