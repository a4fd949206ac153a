// Package agent runs long-lived single-threaded duty-cycle workers. Each agent
// exposes one non-blocking DoWork step; a Runner drives it on a dedicated
// goroutine with a backoff idle strategy between empty cycles.
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Agent is one unit of single-threaded work. DoWork must never block; it
// returns the number of items of work it performed.
type Agent interface {
	Name() string
	DoWork() (int, error)
	OnClose()
}

// IdleStrategy decides how to wait when a duty cycle performed no work.
type IdleStrategy interface {
	Idle(workCount int)
	Reset()
}

// BackoffIdleStrategy spins, then sleeps with doubling pauses up to maxPause.
type BackoffIdleStrategy struct {
	spins    int
	maxPause time.Duration

	spun  int
	pause time.Duration
}

// NewBackoffIdleStrategy returns the default idle strategy used by the engine
// agents.
func NewBackoffIdleStrategy() *BackoffIdleStrategy {
	return &BackoffIdleStrategy{spins: 100, maxPause: time.Millisecond}
}

func (s *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		s.Reset()
		return
	}
	if s.spun < s.spins {
		s.spun++
		return
	}
	if s.pause == 0 {
		s.pause = 10 * time.Microsecond
	} else if s.pause < s.maxPause {
		s.pause *= 2
		if s.pause > s.maxPause {
			s.pause = s.maxPause
		}
	}
	time.Sleep(s.pause)
}

func (s *BackoffIdleStrategy) Reset() {
	s.spun = 0
	s.pause = 0
}

// Runner owns the goroutine that drives a set of agents until the context is
// cancelled. Agents are composed onto one goroutine in registration order, so
// they may share data without locks.
type Runner struct {
	agents []Agent
	idle   IdleStrategy
	logger *zap.Logger

	wg sync.WaitGroup
}

// NewRunner composes the given agents onto one duty cycle.
func NewRunner(logger *zap.Logger, idle IdleStrategy, agents ...Agent) *Runner {
	return &Runner{agents: agents, idle: idle, logger: logger}
}

// Start launches the duty-cycle goroutine. Errors from an agent are logged and
// the agent keeps running; a panic in an agent is fatal to the runner.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			for _, a := range r.agents {
				a.OnClose()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			total := 0
			for _, a := range r.agents {
				n, err := a.DoWork()
				if err != nil {
					r.logger.Error("agent duty cycle failed",
						zap.String("agent", a.Name()), zap.Error(err))
				}
				total += n
			}
			r.idle.Idle(total)
		}
	}()
}

// AwaitStopped blocks until the runner goroutine has exited.
func (r *Runner) AwaitStopped() {
	r.wg.Wait()
}
