package utils

import (
	"context"
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var stopped atomic.Int32
	started := make(chan struct{}, 2)
	worker := func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
		stopped.Inc()
	}

	sw := NewStoppableWorkers(context.Background(), worker)
	sw.Add(worker)
	<-started
	<-started

	sw.Stop()
	test.That(t, stopped.Load(), test.ShouldEqual, 2)
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// Adding after Stop is a no-op.
	sw.Add(worker)
	sw.Stop()
	test.That(t, stopped.Load(), test.ShouldEqual, 2)
}

func TestStoppableWorkersParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sw := NewStoppableWorkers(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	<-done
	sw.Stop()
}
