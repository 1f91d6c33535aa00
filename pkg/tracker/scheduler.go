package tracker

import (
	"sync"
	"time"
)

type recurringTimer struct {
	ticker *time.Ticker
	done   chan struct{}
}

func startRecurring(period time.Duration, fire func()) *recurringTimer {
	timer := &recurringTimer{
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-timer.done:
				return
			case <-timer.ticker.C:
				fire()
			}
		}
	}()

	return timer
}

func (t *recurringTimer) stop() {
	t.ticker.Stop()
	close(t.done)
}

// timerSet owns every pending timer for one vehicle and guarantees at most
// one outstanding timer per kind. All cancels are idempotent.
type timerSet struct {
	mu       sync.Mutex
	location *recurringTimer
	battery  *recurringTimer
	retry    *time.Timer
}

func (s *timerSet) armLocation(period time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.location != nil {
		s.location.stop()
		s.location = nil
	}
	if period <= 0 {
		return
	}

	s.location = startRecurring(period, fire)
}

func (s *timerSet) armBattery(period time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.battery != nil {
		s.battery.stop()
		s.battery = nil
	}
	if period <= 0 {
		return
	}

	s.battery = startRecurring(period, fire)
}

// armRetry arms the single backoff probe timer. It reports false when a retry
// is already pending, the existing timer is left untouched in that case.
func (s *timerSet) armRetry(delay time.Duration, fire func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retry != nil {
		return false
	}

	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retry = nil
		s.mu.Unlock()

		fire()
	})

	return true
}

func (s *timerSet) retryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retry != nil
}

func (s *timerSet) cancelLocation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.location != nil {
		s.location.stop()
		s.location = nil
	}
}

func (s *timerSet) cancelBattery() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.battery != nil {
		s.battery.stop()
		s.battery = nil
	}
}

func (s *timerSet) cancelRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *timerSet) cancelAll() {
	s.cancelLocation()
	s.cancelBattery()
	s.cancelRetry()
}
