package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PlaybackSink delivers synthesized audio to the host and releases it again.
// The websocket layer implements this for live sessions.
type PlaybackSink interface {
	Play(key string, audio []byte) error
	Stop(key string)
}

// NarrationChannel speaks each new prompt exactly once. It owns a single
// playback slot: starting a new narration always stops and releases whatever
// is currently playing or being synthesized first.
type NarrationChannel struct {
	sessionID string
	tts       SpeechSynthesizer
	sink      PlaybackSink
	log       *slog.Logger

	mu         sync.Mutex
	lastKey    string
	currentKey string
	cancel     context.CancelFunc
	generation int
	closed     bool
}

func NewNarrationChannel(sessionID string, tts SpeechSynthesizer, sink PlaybackSink, log *slog.Logger) *NarrationChannel {
	if log == nil {
		log = slog.Default()
	}
	return &NarrationChannel{
		sessionID: sessionID,
		tts:       tts,
		sink:      sink,
		log:       log,
	}
}

// Speak synthesizes and plays audio for the message at the given ordinal.
// Messages are keyed by session id and ordinal, not by text, so in-flight text
// adjustments do not cause replays; a key already played is suppressed.
func (n *NarrationChannel) Speak(ctx context.Context, ordinal int, text string) error {
	key := fmt.Sprintf("%s:%d", n.sessionID, ordinal)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	if key == n.lastKey || key == n.currentKey {
		n.mu.Unlock()
		return nil
	}
	n.stopCurrentLocked()
	n.generation++
	generation := n.generation
	synthCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.currentKey = key
	n.mu.Unlock()

	audio, err := n.tts.Synthesize(synthCtx, text)
	if err != nil {
		cancel()
		if synthCtx.Err() != nil {
			// Replaced or torn down mid-synthesis; not an error.
			return nil
		}
		n.log.Warn("narration synthesis failed", "key", key, "error", err)
		n.releaseFailed(generation)
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || generation != n.generation {
		// A newer narration replaced this one while audio was in flight.
		return nil
	}
	if err := n.sink.Play(key, audio); err != nil {
		n.log.Warn("narration playback failed", "key", key, "error", err)
		n.currentKey = ""
		return err
	}
	// Only a narration that actually reached the host counts as spoken; a
	// failed attempt stays eligible for retry on the next status pass.
	n.lastKey = key
	return nil
}

// releaseFailed clears the playback slot claimed by a narration whose
// synthesis failed, unless a newer narration has already taken it over.
func (n *NarrationChannel) releaseFailed(generation int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if generation == n.generation {
		n.currentKey = ""
		n.cancel = nil
	}
}

// Close stops any in-flight synthesis or playback and releases its resources.
// Safe to call any number of times, from teardown and from termination.
func (n *NarrationChannel) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopCurrentLocked()
	n.closed = true
}

func (n *NarrationChannel) stopCurrentLocked() {
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if n.currentKey != "" {
		n.sink.Stop(n.currentKey)
		n.currentKey = ""
	}
}
