package workpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestMapPreservesOrder(t *testing.T) {
	items := make([]int, 200)
	for i := range items {
		items[i] = i
	}
	got, err := Map(context.Background(), items, func(_ context.Context, n int) int {
		return n * n
	}, Options[int, int]{Width: 8})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i*i {
			t.Fatalf("slot %d: got %d", i, v)
		}
	}
}

func TestMapBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 40)
	_, err := Map(context.Background(), items, func(_ context.Context, _ int) struct{} {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}
	}, Options[int, struct{}]{Width: 4})
	if err != nil {
		t.Fatal(err)
	}
	if peak.Load() > 4 {
		t.Errorf("peak concurrency %d exceeds width", peak.Load())
	}
}

func TestMapCapturesPanics(t *testing.T) {
	items := []string{"a", "boom", "c"}
	got, err := Map(context.Background(), items, func(_ context.Context, s string) string {
		if s == "boom" {
			panic("exploded")
		}
		return s + "!"
	}, Options[string, string]{
		OnPanic: func(item string, r any) string { return fmt.Sprintf("%s: %v", item, r) },
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a!", "boom: exploded", "c!"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slot %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMapReportsProgress(t *testing.T) {
	var calls []int
	total := 0
	_, err := Map(context.Background(), []int{1, 2, 3, 4, 5}, func(_ context.Context, n int) int {
		return n
	}, Options[int, int]{
		Width: 2,
		OnDone: func(done, n int, _ int, _ int) {
			calls = append(calls, done)
			total = n
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(calls) != 5 {
		t.Fatalf("progress calls: %v total=%d", calls, total)
	}
	for i, d := range calls {
		if d != i+1 {
			t.Errorf("call %d reported done=%d", i, d)
		}
	}
}

func TestMapEmpty(t *testing.T) {
	got, err := Map(context.Background(), nil, func(_ context.Context, n int) int { return n }, Options[int, int]{})
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestMapSurvivesPanickingProgressCallback(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	var calls atomic.Int32
	done := make(chan []int, 1)
	go func() {
		out, _ := Map(context.Background(), items, func(_ context.Context, n int) int { return n * 10 }, Options[int, int]{
			Width: 2,
			OnDone: func(done, total int, item int, result int) {
				if calls.Add(1) == 1 {
					panic("progress sink failed")
				}
			},
		})
		done <- out
	}()

	select {
	case out := <-done:
		for i, n := range items {
			if out[i] != n*10 {
				t.Errorf("slot %d: got %d", i, out[i])
			}
		}
		if got := calls.Load(); got != int32(len(items)) {
			t.Errorf("progress calls: got %d, want %d", got, len(items))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Map deadlocked after a progress callback panicked")
	}
}
