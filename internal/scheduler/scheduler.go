// Package scheduler abstracts the timers that drive job polling and the
// recording duration counter, so that time-driven logic can run against a
// virtual clock in tests.
package scheduler

import (
	"sync"
	"time"
)

// CancelFunc stops a repeating callback. It is safe to call more than once.
type CancelFunc func()

// Scheduler runs callbacks asynchronously and on fixed intervals.
type Scheduler interface {
	// Go runs fn as soon as possible without blocking the caller.
	Go(fn func())

	// Every runs fn once per interval until the returned CancelFunc is called.
	Every(interval time.Duration, fn func()) CancelFunc
}

// TickerScheduler is the wall-clock Scheduler backed by goroutines and
// time.Ticker.
type TickerScheduler struct{}

// NewTickerScheduler creates a wall-clock scheduler.
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

// Go runs fn on a new goroutine.
func (s *TickerScheduler) Go(fn func()) {
	go fn()
}

// Every starts a ticker goroutine. Ticks are delivered one at a time, so a
// slow callback delays the next tick rather than overlapping with it.
func (s *TickerScheduler) Every(interval time.Duration, fn func()) CancelFunc {
	ticker := time.NewTicker(interval)
	stopChan := make(chan struct{})

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-stopChan:
				return
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() { close(stopChan) })
	}
}
