package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

var (
	// ErrUnknownToken is returned when releasing a token the gate does not hold.
	ErrUnknownToken = errors.New("unknown gate token")
)

// acquireScript prunes expired leases, sums the weights still held and grants
// min(free, wanted) slots to the new lease. It returns 0 when nothing is free.
//
// KEYS[1] lease expiry index (ZSET), KEYS[2] lease weights (HASH)
// ARGV: now, expiry, capacity, wanted, lease id
var acquireScript = backend.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	redis.call("HDEL", KEYS[2], id)
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])

local used = 0
for _, w in ipairs(redis.call("HVALS", KEYS[2])) do
	used = used + tonumber(w)
end

local free = tonumber(ARGV[3]) - used
if free <= 0 then
	return 0
end

local grant = math.min(free, tonumber(ARGV[4]))
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[5])
redis.call("HSET", KEYS[2], ARGV[5], grant)
return grant
`)

// renewScript pushes the expiry of a lease that is still held.
//
// KEYS[1] lease expiry index (ZSET), KEYS[2] lease weights (HASH)
// ARGV: expiry, lease id
var renewScript = backend.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[2]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// Gate implements ports.Gate on Redis so that replicas share one budget.
// Leases expire after a TTL so a crashed replica cannot hold slots forever;
// the replica holding a lease renews it until Release or Close.
type Gate struct {
	client   *backend.Client
	prefix   string
	capacity int
	lease    time.Duration
	poll     time.Duration
	renew    time.Duration

	mu      sync.Mutex
	renewal map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// GateOption configures the Gate.
type GateOption func(*Gate)

// WithGatePrefix sets the key prefix.
func WithGatePrefix(prefix string) GateOption {
	return func(g *Gate) {
		g.prefix = prefix
	}
}

// WithLeaseTTL sets how long a lease survives without being released.
func WithLeaseTTL(ttl time.Duration) GateOption {
	return func(g *Gate) {
		g.lease = ttl
	}
}

// WithPollInterval sets the retry interval while the gate is exhausted.
func WithPollInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		g.poll = d
	}
}

// WithRenewInterval sets how often held leases are renewed. It defaults to a
// third of the lease TTL.
func WithRenewInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		g.renew = d
	}
}

// NewGate creates a Redis gate with capacity slots on an existing client.
func NewGate(client *backend.Client, capacity int, opts ...GateOption) *Gate {
	g := &Gate{
		client:   client,
		prefix:   "sheaf:gate:",
		capacity: max(capacity, 1),
		lease:    5 * time.Minute,
		poll:     50 * time.Millisecond,
		renewal:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.renew <= 0 {
		g.renew = max(g.lease/3, time.Millisecond)
	}
	return g
}

func (g *Gate) expiryKey() string {
	return g.prefix + "expiry"
}

func (g *Gate) weightKey() string {
	return g.prefix + "weights"
}

// Acquire grants up to weight slots, polling while the budget is exhausted.
func (g *Gate) Acquire(ctx context.Context, weight int) (ports.Token, error) {
	weight = min(max(weight, 1), g.capacity)
	id := uuid.NewString()

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		now := time.Now()
		granted, err := acquireScript.Run(ctx, g.client,
			[]string{g.expiryKey(), g.weightKey()},
			now.UnixMilli(), now.Add(g.lease).UnixMilli(), g.capacity, weight, id,
		).Int()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ports.Token{}, ctxErr
			}
			return ports.Token{}, fmt.Errorf("redis error acquiring gate: %w", err)
		}
		if granted > 0 {
			g.keepAlive(id)
			return ports.Token{ID: id, Granted: granted}, nil
		}

		select {
		case <-ctx.Done():
			return ports.Token{}, ctx.Err()
		case <-ticker.C:
			// Retry...
		}
	}
}

// keepAlive renews the lease id until it is released, it disappears from
// Redis, or the gate is closed.
func (g *Gate) keepAlive(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.renewal[id] = cancel
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.stopRenewal(id)

		ticker := time.NewTicker(g.renew)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := renewScript.Run(ctx, g.client,
				[]string{g.expiryKey(), g.weightKey()},
				time.Now().Add(g.lease).UnixMilli(), id,
			).Int()
			if err == nil && held == 0 {
				return
			}
			// On a Redis error the lease keeps its old expiry; retry next tick.
		}
	}()
}

func (g *Gate) stopRenewal(id string) {
	g.mu.Lock()
	cancel, ok := g.renewal[id]
	delete(g.renewal, id)
	g.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops renewing the leases this gate holds. They expire after the
// lease TTL unless released. The Redis client is left open.
func (g *Gate) Close() error {
	g.mu.Lock()
	for id, cancel := range g.renewal {
		cancel()
		delete(g.renewal, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
	return nil
}

// Release drops the lease of token.
func (g *Gate) Release(ctx context.Context, token ports.Token) error {
	g.stopRenewal(token.ID)

	pipe := g.client.TxPipeline()
	removed := pipe.HDel(ctx, g.weightKey(), token.ID)
	pipe.ZRem(ctx, g.expiryKey(), token.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release gate token: %w", err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.ID)
	}
	return nil
}

// InFlight returns the number of slots held across all replicas.
func (g *Gate) InFlight(ctx context.Context) (int, error) {
	weights, err := g.client.HVals(ctx, g.weightKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read gate leases: %w", err)
	}
	total := 0
	for _, w := range weights {
		n, err := strconv.Atoi(w)
		if err != nil {
			return 0, fmt.Errorf("corrupt gate lease weight %q: %w", w, err)
		}
		total += n
	}
	return total, nil
}
