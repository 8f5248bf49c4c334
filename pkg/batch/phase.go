package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPhaseActive is returned by Enter when the caller already holds a phase.
	ErrPhaseActive = errors.New("resource phase already entered")
	// ErrSettled is returned by Enter after the job finished.
	ErrSettled = errors.New("job already settled")
)

// sequencer serializes the resource phases of one group.
//
// Job i may start its k-th phase only when every job j < i has completed its
// k-th phase or settled, and no other phase is running. Lower-index jobs are
// always started first, so a waiting job never waits on a job that is itself
// waiting for a concurrency slot.
type sequencer struct {
	mu      sync.Mutex
	changed chan struct{}
	busy    bool
	rounds  []int
	settled []bool
}

func newSequencer(n int) *sequencer {
	return &sequencer{
		changed: make(chan struct{}),
		rounds:  make([]int, n),
		settled: make([]bool, n),
	}
}

func (s *sequencer) enter(ctx context.Context, index, round int) error {
	for {
		s.mu.Lock()
		if !s.busy && s.turn(index, round) {
			s.busy = true
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (s *sequencer) turn(index, round int) bool {
	for j := 0; j < index; j++ {
		if !s.settled[j] && s.rounds[j] <= round {
			return false
		}
	}
	return true
}

func (s *sequencer) exit(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[index]++
	s.busy = false
	s.broadcast()
}

func (s *sequencer) settle(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled[index] = true
	s.broadcast()
}

// broadcast must be called with mu held.
func (s *sequencer) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// PhaseSyncer is the ports.Phaser handed to one job of a group.
type PhaseSyncer struct {
	seq   *sequencer
	index int
	wait  func(time.Duration)

	mu      sync.Mutex
	round   int
	active  bool
	settled bool
}

// Enter blocks until the job may touch the shared transaction.
func (p *PhaseSyncer) Enter(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.settled:
		p.mu.Unlock()
		return ErrSettled
	case p.active:
		p.mu.Unlock()
		return ErrPhaseActive
	}
	round := p.round
	p.mu.Unlock()

	start := time.Now()
	if err := p.seq.enter(ctx, p.index, round); err != nil {
		return err
	}
	if p.wait != nil {
		p.wait(time.Since(start))
	}

	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	return nil
}

// Exit ends the current phase. It is a no-op outside a phase.
func (p *PhaseSyncer) Exit() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.round++
	p.mu.Unlock()

	p.seq.exit(p.index)
}

// Do runs fn inside a phase.
func (p *PhaseSyncer) Do(ctx context.Context, fn func() error) error {
	if err := p.Enter(ctx); err != nil {
		return err
	}
	defer p.Exit()
	return fn()
}

// settle releases a phase the job still holds and lets later jobs pass.
func (p *PhaseSyncer) settle() {
	p.mu.Lock()
	held := p.active
	p.active = false
	p.settled = true
	if held {
		p.round++
	}
	p.mu.Unlock()

	if held {
		p.seq.exit(p.index)
	}
	p.seq.settle(p.index)
}
