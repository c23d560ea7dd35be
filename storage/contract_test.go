package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"
)

// testStoreContract runs the behavioral contract every backend must
// satisfy, so the rest of the system stays backend-oblivious.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put then get returns content", func(t *testing.T) {
		s := newStore(t)
		content := []byte("crate archive bytes")
		if err := s.Put(ctx, "crates/demo/demo-1.0.0.crate", bytes.NewReader(content)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		rc, err := s.Get(ctx, "crates/demo/demo-1.0.0.crate")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		defer rc.Close()
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("content mismatch: got %q, want %q", got, content)
		}
	})

	t.Run("get missing key is ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "crates/nope/nope-0.1.0.crate")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing = %v, want ErrNotFound", err)
		}
	})

	t.Run("exists semantics", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Exists(ctx, "some/key")
		if err != nil || ok {
			t.Fatalf("Exists before Put = (%v, %v), want (false, nil)", ok, err)
		}
		if err := s.Put(ctx, "some/key", bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ok, err = s.Exists(ctx, "some/key")
		if err != nil || !ok {
			t.Fatalf("Exists after Put = (%v, %v), want (true, nil)", ok, err)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, "k", bytes.NewReader([]byte("v"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Errorf("second Delete = %v, want nil", err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, "k", bytes.NewReader([]byte("first"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put(ctx, "k", bytes.NewReader([]byte("second"))); err != nil {
			t.Fatalf("overwrite Put failed: %v", err)
		}
		rc, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		defer rc.Close()
		got, _ := io.ReadAll(rc)
		if string(got) != "second" {
			t.Errorf("content = %q, want %q", got, "second")
		}
	})

	t.Run("independent keys do not contend", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("crates/pkg%d/pkg%d-1.0.0.crate", i, i)
				errs <- s.Put(ctx, key, bytes.NewReader([]byte(key)))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("concurrent Put failed: %v", err)
			}
		}
	})
}

func TestLocalStoreContract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return NewLocalStore(t.TempDir())
	})
}

func TestRetryStoreContract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return NewRetryStore(NewLocalStore(t.TempDir()), 5*time.Second, 2)
	})
}

// TestS3StoreContract exercises the contract against a real bucket when
// one is configured; without credentials it is skipped.
func TestS3StoreContract(t *testing.T) {
	bucket := os.Getenv("REGISTRY_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("REGISTRY_TEST_S3_BUCKET not set")
	}
	ctx := context.Background()
	s, err := NewS3Store(ctx, S3Options{
		Endpoint:  os.Getenv("REGISTRY_TEST_S3_URI"),
		Region:    os.Getenv("REGISTRY_TEST_S3_REGION"),
		Bucket:    bucket,
		AccessKey: os.Getenv("REGISTRY_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("REGISTRY_TEST_S3_SECRET_KEY"),
		Prefix:    "contract-test",
	})
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}
	testStoreContract(t, func(t *testing.T) Store { return s })
}

func TestLocalStore_RejectsTraversalKeys(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"../escape", "/abs/path", "a/../../b", "."} {
		if err := s.Put(ctx, key, bytes.NewReader([]byte("x"))); err == nil {
			t.Errorf("Put(%q) = nil, want error", key)
		}
	}
}

func TestLocalStore_NoPartialObjectVisible(t *testing.T) {
	// A failed write must not leave a readable object behind.
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	err := s.Put(ctx, "k", &failingReader{after: 10})
	if err == nil {
		t.Fatal("Put with failing reader = nil, want error")
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failed Put = %v, want ErrNotFound", err)
	}
}

type failingReader struct {
	n     int
	after int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n >= r.after {
		return 0, errors.New("read error")
	}
	n := len(p)
	if n > r.after-r.n {
		n = r.after - r.n
	}
	for i := 0; i < n; i++ {
		p[i] = 'x'
	}
	r.n += n
	return n, nil
}
