package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"guardianrails/internal/guardian"
	"guardianrails/internal/txflow"
)

const defaultGraceDelay = time.Second

// State of a reconciliation session.
type State string

const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
	StateSettled  State = "settled"
)

// Awaiter delivers the settlement outcome of a submitted action.
type Awaiter interface {
	Await(ctx context.Context, h txflow.Handle) (txflow.Outcome, error)
}

// Refresher reloads a view after a confirmed change. Refresh must read the
// store afresh rather than join a fetch already in flight.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Dropper is implemented by views that can drop a record locally before the
// next refresh lands.
type Dropper interface {
	Drop(guardianWallet string)
}

type Config struct {
	// GraceDelay gives the indexer time to catch up before the refresh.
	GraceDelay time.Duration
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

type Option func(*Controller)

// WithOnDelete registers a callback fired once when a cancel confirms.
func WithOnDelete(fn func(guardianWallet string)) Option {
	return func(c *Controller) {
		c.onDelete = fn
	}
}

// Controller turns settlement outcomes into view refreshes.
type Controller struct {
	awaiter   Awaiter
	grace     time.Duration
	logger    zerolog.Logger
	onDelete  func(string)
	refreshes *prometheus.CounterVec

	wg sync.WaitGroup
}

func NewController(awaiter Awaiter, cfg Config, opts ...Option) *Controller {
	grace := cfg.GraceDelay
	if grace <= 0 {
		grace = defaultGraceDelay
	}
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_refreshes_total",
		Help: "View refreshes after confirmed actions",
	}, []string{"result"})
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(refreshes)
	}

	c := &Controller{
		awaiter:   awaiter,
		grace:     grace,
		logger:    cfg.Logger.With().Str("component", "reconcile").Logger(),
		refreshes: refreshes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session follows one handle from submission to refresh.
type Session struct {
	handle txflow.Handle
	done   chan struct{}

	mu      sync.Mutex
	state   State
	outcome txflow.Outcome
	err     error
}

func (s *Session) Handle() txflow.Handle { return s.handle }

// Done is closed once the session has nothing left to do, either because it
// finished or because it was detached.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Outcome() txflow.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err is the refresh error, or the context error of a detached session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) settle(outcome txflow.Outcome) {
	s.mu.Lock()
	s.state = StateSettled
	s.outcome = outcome
	s.mu.Unlock()
}

func (s *Session) end(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// Reconcile starts watching h. Once it confirms, target is refreshed exactly
// once after the grace delay. Cancelling ctx detaches the session and no
// callback fires after that.
func (c *Controller) Reconcile(ctx context.Context, h txflow.Handle, target Refresher) *Session {
	s := &Session{
		handle: h,
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, s, target)
	}()
	return s
}

func (c *Controller) run(ctx context.Context, s *Session, target Refresher) {
	h := s.handle
	log := c.logger.With().Str("tx_hash", h.TxID).Str("action", string(h.Action)).Logger()

	s.setState(StateWatching)
	outcome, err := c.awaiter.Await(ctx, h)
	if err != nil {
		log.Debug().Err(err).Msg("session detached before settlement")
		s.end(err)
		return
	}
	s.settle(outcome)
	if outcome != txflow.OutcomeConfirmed {
		log.Info().Msg("action failed, view left unchanged")
		s.end(nil)
		return
	}

	if h.Action == guardian.ActionCancel {
		c.dropGuardian(h.Record.GuardianWallet, target)
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		log.Debug().Msg("session detached during grace delay")
		s.end(ctx.Err())
		return
	case <-timer.C:
	}

	if err := target.Refresh(ctx); err != nil {
		c.refreshes.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("refresh after confirmation failed")
		s.end(err)
		return
	}
	c.refreshes.WithLabelValues("ok").Inc()
	log.Info().Msg("view refreshed")
	s.end(nil)
}

func (c *Controller) dropGuardian(guardianWallet string, target Refresher) {
	if c.onDelete != nil {
		c.onDelete(guardianWallet)
	}
	if d, ok := target.(Dropper); ok {
		d.Drop(guardianWallet)
	}
}

// Wait blocks until every session has ended. Callers detach sessions by
// cancelling the contexts they passed to Reconcile.
func (c *Controller) Wait() {
	c.wg.Wait()
}
