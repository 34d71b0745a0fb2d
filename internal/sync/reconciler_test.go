package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingTarget struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *countingTarget) PullMergePush(context.Context) Outcome {
	c.calls.Add(1)
	if c.started != nil {
		c.started <- struct{}{}
		<-c.release
	}
	return OutcomeUpToDate
}

func runReconciler(ctx context.Context, r *Reconciler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	return done
}

func TestReconciler_SleepsBeforeFirstCycle(t *testing.T) {
	target := &countingTarget{}
	guard := NewGuard()
	r := NewReconciler(target, guard, 200*time.Millisecond, testLogger())

	done := runReconciler(context.Background(), r)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, target.calls.Load())

	assert.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	guard.Shutdown()
	<-done
}

func TestReconciler_RunsEveryInterval(t *testing.T) {
	target := &countingTarget{}
	guard := NewGuard()
	r := NewReconciler(target, guard, 20*time.Millisecond, testLogger())

	done := runReconciler(context.Background(), r)
	assert.Eventually(t, func() bool { return target.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	guard.Shutdown()
	<-done
}

func TestReconciler_NoCyclesAfterShutdown(t *testing.T) {
	target := &countingTarget{}
	guard := NewGuard()
	r := NewReconciler(target, guard, 20*time.Millisecond, testLogger())

	done := runReconciler(context.Background(), r)
	assert.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	guard.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after shutdown")
	}

	calls := target.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, target.calls.Load())
}

func TestReconciler_InFlightCycleCompletes(t *testing.T) {
	target := &countingTarget{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	guard := NewGuard()
	r := NewReconciler(target, guard, 10*time.Millisecond, testLogger())

	done := runReconciler(context.Background(), r)
	<-target.started

	guard.Shutdown()
	select {
	case <-done:
		t.Fatal("reconciler returned while a cycle was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(target.release)
	<-done
	assert.Equal(t, int32(1), target.calls.Load())
}

func TestReconciler_StopsOnContextCancel(t *testing.T) {
	target := &countingTarget{}
	r := NewReconciler(target, NewGuard(), time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := runReconciler(ctx, r)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
	assert.Zero(t, target.calls.Load())
}

func TestNewReconciler_DefaultInterval(t *testing.T) {
	r := NewReconciler(&countingTarget{}, NewGuard(), 0, testLogger())
	assert.Equal(t, DefaultPullInterval, r.interval)
}
