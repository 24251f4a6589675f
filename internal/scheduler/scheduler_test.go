package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_FiresRepeatedly(t *testing.T) {
	var n atomic.Int32
	task := NewTask("count", 5*time.Millisecond, func(ctx context.Context) { n.Add(1) }, nil)
	task.Start(context.Background())
	defer func() { task.Stop(); task.Wait() }()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, task.Running())
}

func TestTask_SlowRunDoesNotBlockNextFiring(t *testing.T) {
	var started atomic.Int32
	release := make(chan struct{})
	task := NewTask("slow", 5*time.Millisecond, func(ctx context.Context) {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
	}, nil)
	task.Start(context.Background())

	require.Eventually(t, func() bool { return started.Load() >= 2 }, time.Second, time.Millisecond,
		"second firing starts while the first is still running")

	close(release)
	task.Stop()
	task.Wait()
}

func TestTask_StopCancelsInFlightRuns(t *testing.T) {
	cancelled := make(chan struct{}, 16)
	task := NewTask("block", 5*time.Millisecond, func(ctx context.Context) {
		<-ctx.Done()
		cancelled <- struct{}{}
	}, nil)
	task.Start(context.Background())
	require.Eventually(t, func() bool { return task.Fired() >= 1 }, time.Second, time.Millisecond)

	task.Stop()
	task.Wait()
	assert.False(t, task.Running())
	assert.NotEmpty(t, cancelled)

	fired := task.Fired()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fired, task.Fired(), "no firing after stop")
}

func TestTask_Restart(t *testing.T) {
	var n atomic.Int32
	task := NewTask("restart", time.Hour, func(ctx context.Context) { n.Add(1) }, nil)
	task.Start(context.Background())
	defer func() { task.Stop(); task.Wait() }()

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, n.Load())

	task.Restart(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, task.Interval())
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestTask_RecoversPanics(t *testing.T) {
	var n atomic.Int32
	task := NewTask("panicky", 5*time.Millisecond, func(ctx context.Context) {
		n.Add(1)
		panic("boom")
	}, nil)
	task.Start(context.Background())
	defer func() { task.Stop(); task.Wait() }()

	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestTask_Trigger(t *testing.T) {
	done := make(chan struct{}, 1)
	task := NewTask("manual", time.Hour, func(ctx context.Context) { done <- struct{}{} }, nil)

	task.Trigger() // not started: no-op
	assert.Empty(t, done)

	task.Start(context.Background())
	task.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("triggered run did not happen")
	}
	task.Stop()
	task.Wait()
}
