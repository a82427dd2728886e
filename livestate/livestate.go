// Package livestate publishes ephemeral capture status from one process to
// others through a single row in a shared database file. Only the latest
// value matters; intermediate states may be missed by readers.
package livestate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status of the capture process
type Status string

const (
	StatusIdle         Status = "idle"
	StatusListening    Status = "listening"
	StatusTranscribing Status = "transcribing"
	StatusRouting      Status = "routing"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusListening, StatusTranscribing, StatusRouting:
		return true
	}
	return false
}

// State is the latest published value
type State struct {
	Status     Status    `json:"state"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ElapsedMs  int64     `json:"elapsedMs"`
	Transcript string    `json:"transcript,omitempty"`
}

// Idle is the state reported before anything was published
func Idle() State {
	return State{Status: StatusIdle}
}

// Equal compares the observable fields of two states
func (s State) Equal(o State) bool {
	return s.Status == o.Status &&
		s.UpdatedAt.Equal(o.UpdatedAt) &&
		s.ElapsedMs == o.ElapsedMs &&
		s.Transcript == o.Transcript
}

// Bus carries the latest state between processes
type Bus interface {
	Publish(ctx context.Context, state State) error
	Latest(ctx context.Context) (State, error)
}

func validate(state State) error {
	if !state.Status.Valid() {
		return fmt.Errorf("invalid live state '%s'", state.Status)
	}
	return nil
}

// MemoryBus is a Bus for a single process
type MemoryBus struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time
}

// NewMemoryBus creates an in-memory bus reporting idle
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{state: Idle(), now: time.Now}
}

// Publish replaces the current state
func (b *MemoryBus) Publish(ctx context.Context, state State) error {
	if err := validate(state); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	return nil
}

// Latest returns the current state
func (b *MemoryBus) Latest(ctx context.Context) (State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state, nil
}

// Watch polls bus every interval and delivers a state whenever it differs
// from the previously delivered one. The first read is always delivered.
// The channel is closed when ctx is done.
func Watch(ctx context.Context, bus Bus, interval time.Duration) <-chan State {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	out := make(chan State, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var (
			last State
			sent bool
		)
		for {
			if state, err := bus.Latest(ctx); err == nil && (!sent || !state.Equal(last)) {
				select {
				case out <- state:
					last, sent = state, true
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}
