package batch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"golang.org/x/sync/errgroup"
)

// Job is one handler invocation of a group.
type Job struct {
	Handler ports.Handler
	Call    *ports.Call
}

// Settled is the outcome of a job: either a result or an error, never both.
type Settled struct {
	Value *domain.Result
	Err   error
}

// Fulfilled reports whether the job produced a result.
func (s Settled) Fulfilled() bool {
	return s.Err == nil
}

// SettleOption configures Settle.
type SettleOption func(*settleConfig)

type settleConfig struct {
	wait func(time.Duration)
}

// WithWaitObserver reports how long each job waited to enter a phase.
func WithWaitObserver(fn func(time.Duration)) SettleOption {
	return func(c *settleConfig) {
		c.wait = fn
	}
}

// Settle runs every job with at most concurrency of them in flight and waits
// for all of them, whatever their outcome. Jobs are started in order and their
// resource phases are interleaved by index (see PhaseSyncer). Outcomes are
// returned in job order.
func Settle(ctx context.Context, jobs []Job, concurrency int, opts ...SettleOption) []Settled {
	var cfg settleConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	out := make([]Settled, len(jobs))
	seq := newSequencer(len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(max(concurrency, 1))
	for i, job := range jobs {
		phase := &PhaseSyncer{seq: seq, index: i, wait: cfg.wait}
		job.Call.Phase = phase
		g.Go(func() error {
			defer phase.settle()
			out[i] = run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func run(ctx context.Context, job Job) (s Settled) {
	defer func() {
		if r := recover(); r != nil {
			s = Settled{Err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()

	res, err := job.Handler(ctx, job.Call)
	if err != nil {
		return Settled{Err: err}
	}
	if res == nil {
		res = &domain.Result{}
	}
	if res.Status == 0 {
		res.Status = http.StatusOK
	}
	return Settled{Value: res}
}
