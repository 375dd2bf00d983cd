package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	d := New(50 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	var last atomic.Int32
	done := make(chan struct{}, 1)

	for i := 1; i <= 10; i++ {
		n := int32(i)
		d.Trigger(func() {
			calls.Add(1)
			last.Store(n)
			done <- struct{}{}
		})
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced call never ran")
	}

	// Give any stray timers a chance to fire.
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
	if got := last.Load(); got != 10 {
		t.Errorf("expected the last trigger to win, got %d", got)
	}
}

func TestDebouncer_SeparateWindows(t *testing.T) {
	d := New(20 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		d.Trigger(func() {
			calls.Add(1)
			wg.Done()
		})
		time.Sleep(100 * time.Millisecond)
	}
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls for triggers in separate windows, got %d", got)
	}
}

func TestDebouncer_Flush(t *testing.T) {
	d := New(time.Hour)
	defer d.Stop()

	ran := false
	d.Trigger(func() { ran = true })

	if !d.Pending() {
		t.Error("expected a pending call")
	}
	if !d.Flush() {
		t.Error("Flush should report a pending call")
	}
	if !ran {
		t.Error("Flush should run the pending call synchronously")
	}
	if d.Flush() {
		t.Error("second Flush should have nothing to run")
	}
}

func TestDebouncer_CancelAndStop(t *testing.T) {
	d := New(10 * time.Millisecond)

	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })
	d.Cancel()

	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Stop()
	d.Trigger(func() { calls.Add(1) })

	time.Sleep(60 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("expected no calls after cancel/stop, got %d", got)
	}
	if d.Pending() {
		t.Error("stopped debouncer should have nothing pending")
	}
}

func TestNew_DefaultWindow(t *testing.T) {
	if got := New(0).Window(); got != DefaultWindow {
		t.Errorf("expected %v, got %v", DefaultWindow, got)
	}
}
