package engine

import (
	"sync"
	"time"
)

// FrameSource exposes the current frame and a liveness snapshot. Probing is a
// read-only, synchronous operation that never fails; a missing or dead media
// source simply reads as not live. Only the termination coordinator may call
// Release.
type FrameSource interface {
	Current() (*Frame, bool)
	Liveness() FrameSourceState
	Release()
}

// StreamFrameSource holds the latest frame pushed by the host over the ingest
// channel, together with the client-reported media track flags. A frame older
// than the staleness window counts as no stream at all.
type StreamFrameSource struct {
	mu         sync.RWMutex
	frame      *Frame
	trackKnown bool
	enabled    bool
	muted      bool
	ended      bool
	released   bool
	staleAfter time.Duration
	now        func() time.Time
}

func NewStreamFrameSource(staleAfter time.Duration) *StreamFrameSource {
	return &StreamFrameSource{
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Offer replaces the latest frame. Older unconsumed frames are dropped, never
// queued.
func (s *StreamFrameSource) Offer(data []byte, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.frame = &Frame{
		Data:       data,
		Seq:        seq,
		CapturedAt: s.now(),
	}
}

// SetTrackState records the client-reported media track flags.
func (s *StreamFrameSource) SetTrackState(enabled, muted, ended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.trackKnown = true
	s.enabled = enabled
	s.muted = muted
	s.ended = ended
}

func (s *StreamFrameSource) Current() (*Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released || s.frame == nil {
		return nil, false
	}
	if s.staleAfter > 0 && s.now().Sub(s.frame.CapturedAt) > s.staleAfter {
		return nil, false
	}
	return s.frame, true
}

func (s *StreamFrameSource) Liveness() FrameSourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := FrameSourceState{}
	if s.released {
		state.TrackEnded = true
		return state
	}
	if s.frame != nil {
		fresh := s.staleAfter <= 0 || s.now().Sub(s.frame.CapturedAt) <= s.staleAfter
		state.HasStream = fresh
	}
	if s.trackKnown {
		state.TrackEnabled = s.enabled
		state.TrackMuted = s.muted
		state.TrackEnded = s.ended
	} else {
		// Until the host reports track state, a fresh frame implies an
		// enabled, unmuted track.
		state.TrackEnabled = state.HasStream
	}
	return state
}

// Release drops the held frame and marks the source ended. Idempotent:
// releasing an already released source is a no-op.
func (s *StreamFrameSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = nil
	s.released = true
	s.ended = true
}
