package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"guardianrails/internal/guardian"
)

// FakeClient emulates submission and settlement for dev mode and tests. Tx ids
// are a hash of the action, record and a counter. When a transaction confirms
// the transition is applied to Indexer, standing in for the chain indexer.
type FakeClient struct {
	Indexer Indexer
	Delay   time.Duration
	Now     func() time.Time

	mu         sync.Mutex
	nonce      uint64
	txs        map[string]*fakeTx
	submitErrs []error
	revertNext bool
	watches    int
}

type fakeTx struct {
	action  guardian.Action
	key     guardian.RecordKey
	revert  bool
	settled *Receipt
}

func NewFakeClient(indexer Indexer, delay time.Duration) *FakeClient {
	return &FakeClient{
		Indexer: indexer,
		Delay:   delay,
		txs:     make(map[string]*fakeTx),
	}
}

// FailNextSubmit makes the next Submit return err.
func (f *FakeClient) FailNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, err)
}

// RevertNext makes the next submitted transaction settle as failed.
func (f *FakeClient) RevertNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertNext = true
}

func (f *FakeClient) Submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

// Watches counts calls to Watch.
func (f *FakeClient) Watches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches
}

func (f *FakeClient) Submit(_ context.Context, action guardian.Action, key guardian.RecordKey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return "", ClassifySubmitError(action, err)
	}

	f.nonce++
	txID := fakeHash(string(action) + key.String() + strconv.FormatUint(f.nonce, 10))
	if f.txs == nil {
		f.txs = make(map[string]*fakeTx)
	}
	f.txs[txID] = &fakeTx{action: action, key: key, revert: f.revertNext}
	f.revertNext = false
	return txID, nil
}

func (f *FakeClient) Watch(ctx context.Context, txID string) <-chan Receipt {
	out := make(chan Receipt, 2)

	f.mu.Lock()
	f.watches++
	tx, ok := f.txs[txID]
	f.mu.Unlock()

	go func() {
		defer close(out)
		if !ok {
			out <- Receipt{TxID: txID, Status: ReceiptFailed}
			return
		}
		out <- Receipt{TxID: txID, Status: ReceiptPending}

		if f.Delay > 0 {
			timer := time.NewTimer(f.Delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}

		receipt := f.settle(ctx, txID, tx)
		select {
		case out <- receipt:
		case <-ctx.Done():
		}
	}()
	return out
}

// settle applies the transition at most once per transaction.
func (f *FakeClient) settle(ctx context.Context, txID string, tx *fakeTx) Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.settled != nil {
		return *tx.settled
	}

	receipt := Receipt{TxID: txID, Status: ReceiptConfirmed, BlockNumber: f.nonce}
	if tx.revert {
		receipt.Status = ReceiptFailed
	} else if f.Indexer != nil {
		if err := f.Indexer.ApplyTransition(ctx, tx.key, tx.action, f.now()); err != nil {
			receipt.Status = ReceiptFailed
		}
	}
	tx.settled = &receipt
	return receipt
}

func (f *FakeClient) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

func (f *FakeClient) Ping(context.Context) error {
	return nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
