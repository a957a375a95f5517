package txflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"guardianrails/internal/chain"
)

// Outcome is the terminal result of a submitted transaction.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

var ErrWatcherClosed = errors.New("confirmation watcher closed")

const defaultRetention = 10 * time.Minute

type WatcherConfig struct {
	// Retention is how long a settled outcome stays available to late
	// subscribers.
	Retention  time.Duration
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

// Watcher observes settlement of submitted transactions. Each tx id is
// watched once no matter how many callers await it, and every caller gets the
// same outcome. Watches run on the watcher's own context, so a caller giving
// up does not stop the watch.
type Watcher struct {
	source    chain.ReceiptSource
	retention time.Duration
	logger    zerolog.Logger
	metrics   *watcherMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

type watch struct {
	done    chan struct{}
	outcome Outcome
	err     error
}

type watcherMetrics struct {
	settlements *prometheus.CounterVec
	inflight    prometheus.Gauge
}

func NewWatcher(source chain.ReceiptSource, cfg WatcherConfig) *Watcher {
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	m := &watcherMetrics{
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_settlements_total",
			Help: "Settled transactions by outcome",
		}, []string{"outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_watches_inflight",
			Help: "Transactions currently awaiting settlement",
		}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(m.settlements, m.inflight)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		source:    source,
		retention: retention,
		logger:    cfg.Logger.With().Str("component", "watcher").Logger(),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		watches:   make(map[string]*watch),
	}
}

// Await blocks until h settles or ctx is done. Cancelling ctx detaches this
// caller only; the transaction keeps being watched for other callers.
func (w *Watcher) Await(ctx context.Context, h Handle) (Outcome, error) {
	wt, err := w.subscribe(h.TxID)
	if err != nil {
		return "", err
	}
	select {
	case <-wt.done:
		return wt.outcome, wt.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *Watcher) subscribe(txID string) (*watch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wt, ok := w.watches[txID]; ok {
		return wt, nil
	}
	if w.closed {
		return nil, ErrWatcherClosed
	}

	wt := &watch{done: make(chan struct{})}
	w.watches[txID] = wt
	w.metrics.inflight.Inc()
	w.wg.Add(1)
	go w.run(txID, wt)
	return wt, nil
}

func (w *Watcher) run(txID string, wt *watch) {
	defer w.wg.Done()

	stream := w.source.Watch(w.ctx, txID)
	var (
		terminal chain.Receipt
		settled  bool
	)
	for r := range stream {
		if !r.Status.Terminal() {
			w.logger.Debug().Str("tx_hash", txID).Msg("transaction pending")
			continue
		}
		terminal = r
		settled = true
		break
	}
	if settled {
		// Anything after the terminal receipt is ignored, but the source must
		// still be able to close.
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for range stream {
			}
		}()
	}

	switch {
	case settled && terminal.Status == chain.ReceiptConfirmed:
		w.finish(txID, wt, OutcomeConfirmed, terminal, nil)
	case settled:
		w.finish(txID, wt, OutcomeFailed, terminal, nil)
	case w.ctx.Err() != nil:
		w.finish(txID, wt, "", chain.Receipt{TxID: txID}, ErrWatcherClosed)
	default:
		w.logger.Warn().Str("tx_hash", txID).Msg("receipt stream ended without settlement")
		w.finish(txID, wt, OutcomeFailed, chain.Receipt{TxID: txID, Status: chain.ReceiptFailed}, nil)
	}
}

func (w *Watcher) finish(txID string, wt *watch, outcome Outcome, receipt chain.Receipt, err error) {
	wt.outcome = outcome
	wt.err = err
	close(wt.done)

	w.metrics.inflight.Dec()
	if err != nil {
		w.forget(txID, wt)
		return
	}
	w.metrics.settlements.WithLabelValues(string(outcome)).Inc()
	w.logger.Info().
		Str("tx_hash", txID).
		Str("outcome", string(outcome)).
		Uint64("block", receipt.BlockNumber).
		Msg("transaction settled")

	time.AfterFunc(w.retention, func() {
		w.forget(txID, wt)
	})
}

func (w *Watcher) forget(txID string, wt *watch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watches[txID] == wt {
		delete(w.watches, txID)
	}
}

// Close stops every watch. Callers still awaiting get ErrWatcherClosed. The
// transactions themselves are unaffected.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}
