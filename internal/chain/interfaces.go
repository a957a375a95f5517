package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"guardianrails/internal/guardian"
)

// Submitter signs and broadcasts a relationship action, returning the
// transaction id. It does not wait for inclusion.
type Submitter interface {
	Submit(ctx context.Context, action guardian.Action, key guardian.RecordKey) (string, error)
}

// ReceiptSource streams the settlement progress of a transaction. The channel
// carries any number of pending receipts followed by exactly one terminal
// receipt, then closes. It closes early without a terminal receipt only when
// ctx is done.
type ReceiptSource interface {
	Watch(ctx context.Context, txID string) <-chan Receipt
}

// SignerReporter is implemented by submitters that sign every action with one
// fixed account. The contract only accepts an action from the party it
// belongs to, so any other party's action would revert.
type SignerReporter interface {
	Signer() common.Address
}

// HealthChecker is implemented by clients that can probe their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Indexer is the projection side of the ledger: it records a confirmed
// transition so the record store reflects it.
type Indexer interface {
	ApplyTransition(ctx context.Context, key guardian.RecordKey, action guardian.Action, at time.Time) error
}

type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)

func (s ReceiptStatus) Terminal() bool {
	return s == ReceiptConfirmed || s == ReceiptFailed
}

type Receipt struct {
	TxID        string
	Status      ReceiptStatus
	BlockNumber uint64
}
