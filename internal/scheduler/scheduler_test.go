package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 12 * time.Second, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC)

	got := s.nextTick(now)
	want := time.Date(2025, 3, 1, 10, 0, 12, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next tick = %s, want %s", got, want)
	}

	onBoundary := time.Date(2025, 3, 1, 10, 0, 12, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(12 * time.Second)) {
		t.Fatalf("tick on boundary = %s", got)
	}
}

func TestNextTickDailyOffset(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, Offset: 2 * time.Hour, AlignToStart: true}, zerolog.Nop())

	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{
			now:  time.Date(2025, 3, 1, 1, 30, 0, 0, time.UTC),
			want: time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			now:  time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			now:  time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC),
			want: time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		if got := s.nextTick(tc.now); !got.Equal(tc.want) {
			t.Errorf("nextTick(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}

	bucket := s.bucketStart(time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC))
	if !bucket.Equal(time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("bucket start = %s", bucket)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("next tick = %s", got)
	}
}

func TestRunInvokesTickUntilCancelled(t *testing.T) {
	s := New(Options{Name: "test", Interval: 5 * time.Millisecond, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if calls.Add(1) == 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", calls.Load())
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
