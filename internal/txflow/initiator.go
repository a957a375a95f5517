package txflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"guardianrails/internal/chain"
	"guardianrails/internal/guardian"
)

// Handle tracks one submitted action until it settles. It is owned by the
// caller that initiated it and is not reused across actions.
type Handle struct {
	TxID        string
	Action      guardian.Action
	Perspective guardian.Perspective
	Record      guardian.Relationship
	SubmittedAt time.Time
}

func (h Handle) Key() guardian.RecordKey {
	return h.Record.Key()
}

// Initiator enforces the resolver precondition and hands permitted actions to
// the submitter.
type Initiator struct {
	submitter chain.Submitter
	logger    zerolog.Logger
	now       func() time.Time
	actions   *prometheus.CounterVec
}

func NewInitiator(submitter chain.Submitter, logger zerolog.Logger, reg prometheus.Registerer) *Initiator {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_actions_total",
		Help: "Relationship actions by submission result",
	}, []string{"action", "result"})
	if reg != nil {
		reg.MustRegister(actions)
	}
	return &Initiator{
		submitter: submitter,
		logger:    logger.With().Str("component", "initiator").Logger(),
		now:       time.Now,
		actions:   actions,
	}
}

// Initiate submits action against record as seen from p. Illegal actions are
// rejected with *guardian.IllegalActionError before anything is submitted, as
// are actions by a party other than a fixed-account submitter's signer.
func (i *Initiator) Initiate(ctx context.Context, p guardian.Perspective, action guardian.Action, record guardian.Relationship) (Handle, error) {
	if err := record.Validate(); err != nil {
		i.actions.WithLabelValues(string(action), "invalid").Inc()
		return Handle{}, err
	}
	if !guardian.Permits(p, record.Status, action) {
		i.actions.WithLabelValues(string(action), "illegal").Inc()
		return Handle{}, &guardian.IllegalActionError{Perspective: p, Status: record.Status, Action: action}
	}

	if sr, ok := i.submitter.(chain.SignerReporter); ok {
		actor := record.Owner(p)
		if signer := sr.Signer(); !guardian.SameAddress(actor, signer.Hex()) {
			i.actions.WithLabelValues(string(action), "wrong_signer").Inc()
			return Handle{}, fmt.Errorf("%w: %s acts as %s, signer is %s", chain.ErrWrongSigner, actor, p, signer.Hex())
		}
	}

	txID, err := i.submitter.Submit(ctx, action, record.Key())
	if err != nil {
		err = chain.ClassifySubmitError(action, err)
		i.actions.WithLabelValues(string(action), resultLabel(err)).Inc()
		i.logger.Warn().Err(err).
			Str("action", string(action)).
			Str("record", record.Key().String()).
			Msg("action submission failed")
		return Handle{}, err
	}

	h := Handle{
		TxID:        txID,
		Action:      action,
		Perspective: p,
		Record:      record,
		SubmittedAt: i.now().UTC(),
	}
	i.actions.WithLabelValues(string(action), "submitted").Inc()
	i.logger.Info().
		Str("action", string(action)).
		Str("perspective", string(p)).
		Str("record", record.Key().String()).
		Str("tx_hash", txID).
		Msg("action submitted")
	return h, nil
}

func resultLabel(err error) string {
	if errors.Is(err, chain.ErrUserRejected) {
		return "rejected"
	}
	var subErr *chain.SubmissionError
	if errors.As(err, &subErr) && subErr.Transient() {
		return "transient_error"
	}
	return "error"
}
