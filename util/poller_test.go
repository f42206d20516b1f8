package util

import (
	"sync"
	"testing"
	"time"
)

func TestPoller_Defaults(t *testing.T) {
	p := NewPoller(0, 0, func() []string { return nil }, func(string) {})
	if p.Workers != 1 {
		t.Errorf("Workers = %d, expected 1", p.Workers)
	}
	if p.Frequency != 30*time.Second {
		t.Errorf("Frequency = %v, expected 30s", p.Frequency)
	}
}

func TestPoller_Trigger(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	done := make(chan struct{}, 10)

	p := NewPoller(time.Hour, 2, func() []string { return []string{"truck", "boat"} }, func(target string) {
		mu.Lock()
		seen[target]++
		mu.Unlock()
		done <- struct{}{}
	})
	p.Start()
	defer p.Stop()

	p.Trigger()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for poll")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["truck"] != 1 || seen["boat"] != 1 {
		t.Errorf("Unexpected polls: %v", seen)
	}
}

func TestPoller_Ticks(t *testing.T) {
	polls := make(chan string, 10)
	p := NewPoller(20*time.Millisecond, 1, func() []string { return []string{"truck"} }, func(target string) {
		polls <- target
	})
	p.Start()
	p.Start() // second start is a no-op

	for i := 0; i < 2; i++ {
		select {
		case target := <-polls:
			if target != "truck" {
				t.Errorf("Polled %s, expected truck", target)
			}
		case <-time.After(time.Second):
			t.Fatal("Ticker never fired")
		}
	}

	p.Stop()
	p.Stop()
	p.Trigger() // ignored once stopped
}

func TestPoller_SkipsQueuedTarget(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	count := 0

	p := NewPoller(time.Hour, 1, func() []string { return []string{"truck"} }, func(string) {
		mu.Lock()
		count++
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	p.Start()

	p.Trigger()
	<-started
	// worker is busy; one more round may queue, the rest are skipped
	p.Trigger()
	p.Trigger()
	p.Trigger()
	close(release)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("Expected 2 polls, got %d", count)
	}
}
