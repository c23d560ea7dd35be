package store

import (
	"context"
	"errors"
	"testing"
)

func TestBuildJobLifecycle(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.ClaimBuild(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim from empty queue: got %v, want ErrNotFound", err)
	}

	job, err := r.EnqueueBuild(ctx, "serde", "1.0.0")
	if err != nil {
		t.Fatalf("EnqueueBuild: %v", err)
	}
	if n, _ := r.QueuedBuilds(ctx); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}

	claimed, err := r.ClaimBuild(ctx)
	if err != nil {
		t.Fatalf("ClaimBuild: %v", err)
	}
	if claimed.ID != job.ID || claimed.State != JobRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}
	// The running job is no longer claimable.
	if _, err := r.ClaimBuild(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double claim: got %v, want ErrNotFound", err)
	}

	if err := r.FinishBuild(ctx, claimed.ID, nil, 3); err != nil {
		t.Fatalf("FinishBuild: %v", err)
	}
	done, _ := r.GetBuild(ctx, claimed.ID)
	if done.State != JobSucceeded {
		t.Errorf("state = %s, want succeeded", done.State)
	}
}

func TestBuildJobRetriesThenFails(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	const maxAttempts = 3

	job, err := r.EnqueueBuild(ctx, "broken", "0.1.0")
	if err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claimed, err := r.ClaimBuild(ctx)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if claimed.Attempts != attempt {
			t.Fatalf("attempt counter = %d, want %d", claimed.Attempts, attempt)
		}
		if err := r.FinishBuild(ctx, claimed.ID, errors.New("rustdoc exploded"), maxAttempts); err != nil {
			t.Fatalf("finish attempt %d: %v", attempt, err)
		}
	}

	final, err := r.GetBuild(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != JobFailed {
		t.Fatalf("state after %d attempts = %s, want failed", maxAttempts, final.State)
	}
	if final.Reason != "rustdoc exploded" {
		t.Errorf("reason = %q", final.Reason)
	}
	if _, err := r.ClaimBuild(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed job claimable: %v", err)
	}
}

func TestRequeueStuckBuilds(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.EnqueueBuild(ctx, "serde", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	claimed, err := r.ClaimBuild(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash while the job was running.
	n, err := r.RequeueStuckBuilds(ctx)
	if err != nil {
		t.Fatalf("RequeueStuckBuilds: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	reclaimed, err := r.ClaimBuild(ctx)
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if reclaimed.ID != claimed.ID || reclaimed.Attempts != 2 {
		t.Errorf("unexpected reclaimed job: %+v", reclaimed)
	}
}
