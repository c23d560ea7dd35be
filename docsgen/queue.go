// Package docsgen builds documentation for published versions in the
// background: a persisted job queue drained by a worker pool that
// extracts the crate archive, runs a build toolchain and uploads the
// rendered tree to storage. Delivery is at-least-once; building the
// same version twice overwrites the same storage keys.
package docsgen

import (
	"context"

	"github.com/crateport/crateport/store"
)

// Queue persists build jobs and wakes idle workers. Jobs survive
// restarts in the database; the channel only shortcuts the poll delay.
type Queue struct {
	registry *store.Registry
	wake     chan struct{}
}

// NewQueue wraps the registry's build job table.
func NewQueue(registry *store.Registry) *Queue {
	return &Queue{registry: registry, wake: make(chan struct{}, 1)}
}

// Enqueue records a job and nudges a worker.
func (q *Queue) Enqueue(ctx context.Context, pkg, version string) error {
	if _, err := q.registry.EnqueueBuild(ctx, pkg, version); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake returns the channel workers block on between polls.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}
