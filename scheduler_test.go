package runpipe_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fogfactory/runpipe"
	"github.com/maxatome/go-testdeep/td"
)

func InitScheduler(t testing.TB, limit int, opts ...runpipe.SchedulerOption) *runpipe.Scheduler {
	s, err := runpipe.NewScheduler("test", limit, opts...)
	td.Require(t).CmpNoError(err)
	t.Cleanup(s.Close)
	return s
}

// receive waits for n values on ch, failing the test after a second.
func receive[T any](t testing.TB, ch <-chan T, n int) []T {
	t.Helper()
	var got []T
	for len(got) < n {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("received %d values out of %d", len(got), n)
		}
	}
	return got
}

func waitIdle(t testing.TB, s *runpipe.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	td.Require(t).CmpNoError(s.Wait(ctx), "scheduler should drain")
}

func TestScheduler(t *testing.T) {

	t.Run("error_invalid_concurrency", func(t *testing.T) {
		// Act
		_, err := runpipe.NewScheduler("zero", 0)

		// Assert
		td.CmpErrorIs(t, err, runpipe.ErrInvalidConfig)
	})

	t.Run("success_bounded_concurrency", func(t *testing.T) {
		// Arrange
		s := InitScheduler(t, 3)
		var current, peak int32
		started := make(chan struct{}, 10)
		release := make(chan struct{})
		task := func(context.Context) error {
			cur := atomic.AddInt32(&current, 1)
			defer atomic.AddInt32(&current, -1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			started <- struct{}{}
			<-release
			return nil
		}

		// Act
		handles := make([]*runpipe.Handle, 10)
		for i := range handles {
			handles[i] = s.Submit(context.Background(), task)
		}
		receive(t, started, 3)

		// Assert
		td.Cmp(t, s.Status(), runpipe.PoolStatus{Running: 3, Queued: 7, Limit: 3})
		close(release)
		waitIdle(t, s)
		td.CmpLte(t, atomic.LoadInt32(&peak), int32(3), "no more than 3 tasks at once")
		for _, h := range handles {
			td.CmpNoError(t, h.Err())
		}
		td.Cmp(t, s.Status(), runpipe.PoolStatus{Limit: 3})
	})

	t.Run("success_fifo_order", func(t *testing.T) {
		// Arrange
		s := InitScheduler(t, 1)
		var mu sync.Mutex
		var order []string
		gate := make(chan struct{})
		record := func(name string) runpipe.Task {
			return func(context.Context) error {
				if name == "A" {
					<-gate
				}
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			}
		}

		// Act
		for _, name := range []string{"A", "B", "C", "D"} {
			s.Submit(context.Background(), record(name))
		}
		close(gate)
		waitIdle(t, s)

		// Assert
		td.Cmp(t, order, []string{"A", "B", "C", "D"})
	})

	t.Run("success_failure_isolated_to_submitter", func(t *testing.T) {
		// Arrange
		results := make(chan runpipe.TaskResult, 3)
		drained := make(chan struct{}, 3)
		s := InitScheduler(t, 1,
			runpipe.WithTaskComplete(func(r runpipe.TaskResult) { results <- r }),
			runpipe.WithAllComplete(func() { drained <- struct{}{} }))
		boom := errors.New("boom")
		gate := make(chan struct{})

		// Act
		failed := s.Submit(context.Background(), func(context.Context) error {
			<-gate // keep the scheduler busy until everything is queued
			return boom
		})
		panicked := s.Submit(context.Background(), func(context.Context) error { panic("kaboom") })
		ok := s.Submit(context.Background(), func(context.Context) error { return nil })
		close(gate)
		waitIdle(t, s)

		// Assert
		td.CmpErrorIs(t, failed.Err(), boom)
		td.CmpErrorIs(t, panicked.Err(), runpipe.ErrUnexpected)
		var panicErr *runpipe.PanicError
		td.CmpTrue(t, errors.As(panicked.Err(), &panicErr))
		td.Cmp(t, panicErr.Value, "kaboom")
		td.CmpNoError(t, ok.Err())
		td.CmpLen(t, receive(t, results, 3), 3)
		receive(t, drained, 1)
		select {
		case <-drained:
			t.Fatal("all complete callback fired twice")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("success_raise_limit_drains_queue", func(t *testing.T) {
		// Arrange
		s := InitScheduler(t, 1)
		started := make(chan struct{}, 3)
		release := make(chan struct{})
		defer close(release)
		task := func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}
		for i := 0; i < 3; i++ {
			s.Submit(context.Background(), task)
		}
		receive(t, started, 1)
		td.Cmp(t, s.Status(), runpipe.PoolStatus{Running: 1, Queued: 2, Limit: 1})

		// Act
		err := s.SetMaxConcurrency(3)

		// Assert
		td.CmpNoError(t, err)
		receive(t, started, 2)
		td.Cmp(t, s.Status(), runpipe.PoolStatus{Running: 3, Queued: 0, Limit: 3})
		td.Cmp(t, s.Workers().Cap(), 3)
		td.CmpErrorIs(t, s.SetMaxConcurrency(0), runpipe.ErrInvalidConfig)
	})

	t.Run("success_cancelled_while_queued", func(t *testing.T) {
		// Arrange
		s := InitScheduler(t, 1)
		release := make(chan struct{})
		running := make(chan struct{})
		s.Submit(context.Background(), func(context.Context) error {
			close(running)
			<-release
			return nil
		})
		<-running
		ctx, cancel := context.WithCancel(context.Background())
		ran := false
		queued := s.Submit(ctx, func(context.Context) error {
			ran = true
			return nil
		})

		// Act
		cancel()
		<-queued.Done()

		// Assert
		td.CmpErrorIs(t, queued.Err(), context.Canceled)
		td.Cmp(t, s.Status().Queued, 0)
		close(release)
		waitIdle(t, s)
		td.CmpFalse(t, ran, "cancelled task should never run")
	})

	t.Run("success_drains_when_cancelled_tasks_are_dispatched", func(t *testing.T) {
		// Cancellation races the dispatcher for the queued tasks: either path must leave the
		// scheduler idle, with a single all complete notification.
		for i := 0; i < 200; i++ {
			// Arrange
			var completions atomic.Int32
			idle := make(chan struct{}, 1)
			s, err := runpipe.NewScheduler("race", 1, runpipe.WithAllComplete(func() {
				completions.Add(1)
				select {
				case idle <- struct{}{}:
				default:
				}
			}))
			td.Require(t).CmpNoError(err)
			release := make(chan struct{})
			running := make(chan struct{})
			s.Submit(context.Background(), func(context.Context) error {
				close(running)
				<-release
				return nil
			})
			<-running
			ctx, cancel := context.WithCancel(context.Background())
			queued := []*runpipe.Handle{
				s.Submit(ctx, func(context.Context) error { return nil }),
				s.Submit(ctx, func(context.Context) error { return nil }),
			}

			// Act
			cancel()
			close(release)

			// Assert
			waitIdle(t, s)
			receive(t, idle, 1)
			td.Cmp(t, completions.Load(), int32(1), "iteration %d", i)
			for _, h := range queued {
				<-h.Done()
				if h.Err() != nil {
					td.CmpErrorIs(t, h.Err(), context.Canceled)
				}
			}
			td.Cmp(t, s.Status(), runpipe.PoolStatus{Limit: 1})
			s.Close()
		}
	})

	t.Run("success_wait_after_cancelled_submissions", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			// Arrange
			s, err := runpipe.NewScheduler("cancelled", 4)
			td.Require(t).CmpNoError(err)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			handles := make([]*runpipe.Handle, 0, 4)

			// Act
			for j := 0; j < 4; j++ {
				if j == 2 {
					cancel()
				}
				handles = append(handles, s.Submit(ctx, func(context.Context) error { return nil }))
			}

			// Assert
			for _, h := range handles {
				<-h.Done()
			}
			waitIdle(t, s)
			s.Close()
		}
	})

	t.Run("error_closed", func(t *testing.T) {
		// Arrange
		s, err := runpipe.NewScheduler("closing", 1)
		td.Require(t).CmpNoError(err)
		release := make(chan struct{})
		running := make(chan struct{})
		first := s.Submit(context.Background(), func(context.Context) error {
			close(running)
			<-release
			return nil
		})
		<-running
		queued := s.Submit(context.Background(), func(context.Context) error { return nil })

		// Act
		s.Close()
		late := s.Submit(context.Background(), func(context.Context) error { return nil })
		close(release)

		// Assert
		td.CmpErrorIs(t, queued.Err(), runpipe.ErrSchedulerClosed)
		td.CmpErrorIs(t, late.Err(), runpipe.ErrSchedulerClosed)
		td.CmpNoError(t, first.Wait(context.Background()))
	})
}
