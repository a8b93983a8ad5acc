package membership

import (
	"sync"
	"time"
)

// scheduler runs delayed and background work that Close must be able to
// stop and wait for.
type scheduler struct {
	mu     sync.Mutex
	closed bool
	live   map[*time.Timer]struct{}
	wg     sync.WaitGroup
}

func newScheduler() *scheduler {
	return &scheduler{live: make(map[*time.Timer]struct{})}
}

// after runs fn once d has elapsed. It returns nil after close.
func (s *scheduler) after(d time.Duration, fn func()) *time.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.live, t)
		s.mu.Unlock()
		fn()
	})
	s.live[t] = struct{}{}
	return t
}

// stop cancels a timer returned by after. It reports false when the
// callback already started.
func (s *scheduler) stop(t *time.Timer) bool {
	if t == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[t]; !ok || !t.Stop() {
		return false
	}
	delete(s.live, t)
	s.wg.Done()
	return true
}

// spawn runs fn on a tracked goroutine.
func (s *scheduler) spawn(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	for t := range s.live {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.live, t)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// backoff doubles initial per attempt, capped at ceiling.
func backoff(initial, ceiling time.Duration, attempt int) time.Duration {
	d := initial
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}
