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
	now := time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2025, 1, 1, 0, 0, 12, 0, time.UTC)) {
		t.Fatalf("对齐后的下一次 tick 不正确: %s", got)
	}

	onBoundary := time.Date(2025, 1, 1, 0, 0, 24, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(12 * time.Second)) {
		t.Fatalf("边界上应推到下一个间隔: %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("未对齐时应为 now+interval: %s", got)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("tick 错误不应中断循环")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("应以 context.Canceled 结束, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler 未按时退出")
	}
	if ticks.Load() < 3 {
		t.Fatalf("至少应执行 3 次, 实际 %d", ticks.Load())
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
