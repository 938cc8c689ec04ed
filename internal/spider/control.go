package spider

import (
	"github.com/JakeFAU/feedspider/internal/progress"
)

// Pause stops admitting pending jobs. In-flight jobs keep running.
func (s *Spider) Pause() {
	s.queue.Pause()
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StatePaused
	}
	if !s.state.terminal() {
		s.emitLocked(progress.Event{Type: progress.SpiderPause})
	}
	s.mu.Unlock()
	s.poke()
}

// Resume restarts admission. It fails with queue.ErrLocked while locked.
func (s *Spider) Resume() error {
	if err := s.queue.Resume(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateRunning
	}
	if !s.state.terminal() {
		s.emitLocked(progress.Event{Type: progress.SpiderResume})
	}
	s.mu.Unlock()
	s.poke()
	return nil
}

// Lock pauses the spider and makes Resume fail until Unlock.
func (s *Spider) Lock() {
	s.queue.Lock()
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StatePaused
	}
	if !s.state.terminal() {
		s.emitLocked(progress.Event{Type: progress.SpiderLock})
	}
	s.mu.Unlock()
	s.poke()
}

// Unlock clears the lock and resumes admission.
func (s *Spider) Unlock() {
	s.queue.Unlock()
	s.mu.Lock()
	if !s.state.terminal() {
		s.emitLocked(progress.Event{Type: progress.SpiderUnlock})
	}
	s.mu.Unlock()
	// Resume cannot fail once the lock is cleared.
	_ = s.Resume()
}

// Paused reports whether admission is stopped.
func (s *Spider) Paused() bool {
	return s.queue.Paused()
}

// Locked reports whether the spider is locked.
func (s *Spider) Locked() bool {
	return s.queue.Locked()
}
