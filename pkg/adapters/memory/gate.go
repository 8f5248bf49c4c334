package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Gate implements ports.Gate in memory with a weighted semaphore.
// Safe for concurrent use.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int

	mu     sync.Mutex
	leases map[string]int
}

// NewGate creates a gate with capacity slots. Capacity below 1 is raised to 1.
func NewGate(capacity int) *Gate {
	capacity = max(capacity, 1)
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		leases:   make(map[string]int),
	}
}

// Acquire grants up to weight slots, waiting only while no slot at all is free.
func (g *Gate) Acquire(ctx context.Context, weight int) (ports.Token, error) {
	weight = min(max(weight, 1), g.capacity)

	granted := 0
	for w := weight; w > 0; w-- {
		if g.sem.TryAcquire(int64(w)) {
			granted = w
			break
		}
	}
	if granted == 0 {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return ports.Token{}, err
		}
		granted = 1
	}

	token := ports.Token{ID: uuid.NewString(), Granted: granted}
	g.mu.Lock()
	g.leases[token.ID] = granted
	g.mu.Unlock()
	return token, nil
}

// Release returns the slots held by token.
func (g *Gate) Release(ctx context.Context, token ports.Token) error {
	g.mu.Lock()
	granted, ok := g.leases[token.ID]
	delete(g.leases, token.ID)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("release of unknown gate token %q", token.ID)
	}
	g.sem.Release(int64(granted))
	return nil
}

// InFlight returns the number of slots currently held.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.leases {
		total += n
	}
	return total
}
