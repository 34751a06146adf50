package data

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startScheduler(t *testing.T) (*scheduler, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var failed []string
	s := newScheduler(slog.Default(), func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, name+": "+err.Error())
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx)
	t.Cleanup(func() {
		s.close()
		s.wait()
		cancel()
	})
	return s, &failed
}

func TestSchedulerRunsInOrder(t *testing.T) {
	s, _ := startScheduler(t)
	var order []int
	for i := range 5 {
		s.enqueue(task{name: "t", run: func(context.Context) error {
			order = append(order, i)
			return nil
		}})
	}
	require.NoError(t, s.flush(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSchedulerFlushWaitsForFollowUps(t *testing.T) {
	s, _ := startScheduler(t)
	var ran []string
	s.enqueue(task{name: "first", run: func(context.Context) error {
		ran = append(ran, "first")
		s.enqueue(task{name: "second", run: func(context.Context) error {
			ran = append(ran, "second")
			return nil
		}})
		return nil
	}})
	require.NoError(t, s.flush(context.Background()))
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestSchedulerReportsErrorsAndPanics(t *testing.T) {
	s, failed := startScheduler(t)
	s.enqueue(task{name: "bad", run: func(context.Context) error { return errors.New("boom") }})
	s.enqueue(task{name: "worse", run: func(context.Context) error { panic("oops") }})
	s.enqueue(task{name: "fine", run: func(context.Context) error { return nil }})
	require.NoError(t, s.flush(context.Background()))
	assert.Equal(t, []string{"bad: boom", "worse: task panicked: oops"}, *failed)
}

func TestSchedulerFlushHonoursContext(t *testing.T) {
	s, _ := startScheduler(t)
	release := make(chan struct{})
	s.enqueue(task{name: "blocked", run: func(context.Context) error {
		<-release
		return nil
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.flush(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, s.flush(context.Background()))
}

func TestSchedulerClosedRejects(t *testing.T) {
	s := newScheduler(slog.Default(), nil)
	go s.run(context.Background())
	ran := false
	s.enqueue(task{name: "t", run: func(context.Context) error {
		ran = true
		return nil
	}})
	s.close()
	s.wait()
	assert.True(t, ran, "queued work drains on close")
	assert.False(t, s.enqueue(task{name: "late"}))
}
