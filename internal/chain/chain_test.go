package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardianrails/internal/contracts"
	"guardianrails/internal/guardian"
)

var testKey = guardian.RecordKey{
	Guardian:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
	Recipient: common.HexToAddress("0x2222222222222222222222222222222222222222"),
}

type codedError struct{ code int }

func (e codedError) Error() string  { return fmt.Sprintf("provider error %d", e.code) }
func (e codedError) ErrorCode() int { return e.code }

func TestClassifySubmitError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		rejected  bool
		transient bool
	}{
		{name: "eip1193 code", err: codedError{code: 4001}, rejected: true},
		{name: "message", err: errors.New("MetaMask Tx Signature: User denied transaction signature."), rejected: true},
		{name: "deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), transient: true},
		{name: "http 503", err: rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, transient: true},
		{name: "http 400", err: rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), transient: true},
		{name: "revert", err: errors.New("execution reverted: not a guardian")},
		{name: "canceled", err: context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifySubmitError(guardian.ActionAccept, tc.err)
			if tc.rejected {
				assert.ErrorIs(t, got, ErrUserRejected)
				return
			}
			var subErr *SubmissionError
			require.ErrorAs(t, got, &subErr)
			assert.Equal(t, tc.transient, subErr.Transient())
			assert.Equal(t, guardian.ActionAccept, subErr.Action)
			assert.Equal(t, tc.err, subErr.Err)
		})
	}
}

func TestClassifySubmitErrorPassesThroughClassified(t *testing.T) {
	orig := Transient(guardian.ActionLeave, errors.New("boom"))
	assert.Same(t, orig, ClassifySubmitError(guardian.ActionAccept, orig))
	assert.Nil(t, ClassifySubmitError(guardian.ActionAccept, nil))
}

func TestContractCallsMatchABI(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(contracts.GuardianRegistryABI))
	require.NoError(t, err)

	for _, action := range guardian.Actions {
		call, ok := contractCalls[action]
		require.True(t, ok, action)
		method, ok := parsed.Methods[call.method]
		require.True(t, ok, call.method)
		require.Len(t, method.Inputs, 1)
		assert.Equal(t, "address", method.Inputs[0].Type.String())

		_, err := parsed.Pack(call.method, call.arg(testKey))
		require.NoError(t, err)
	}
	assert.Equal(t, testKey.Recipient, contractCalls[guardian.ActionAccept].arg(testKey))
	assert.Equal(t, testKey.Guardian, contractCalls[guardian.ActionRemove].arg(testKey))
}

func TestReceiptFromChain(t *testing.T) {
	ok := receiptFromChain("0xabc", &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)})
	assert.Equal(t, ReceiptConfirmed, ok.Status)
	assert.Equal(t, uint64(42), ok.BlockNumber)

	reverted := receiptFromChain("0xabc", &types.Receipt{Status: types.ReceiptStatusFailed})
	assert.Equal(t, ReceiptFailed, reverted.Status)
}

type recordingIndexer struct {
	mu      sync.Mutex
	applied []guardian.Action
	err     error
}

func (r *recordingIndexer) ApplyTransition(_ context.Context, _ guardian.RecordKey, action guardian.Action, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.applied = append(r.applied, action)
	return nil
}

func drain(t *testing.T, ch <-chan Receipt) []Receipt {
	t.Helper()
	var got []Receipt
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, r)
		case <-timeout:
			t.Fatalf("timeout draining receipts")
		}
	}
}

func TestFakeClientSettlesOnce(t *testing.T) {
	idx := &recordingIndexer{}
	fc := NewFakeClient(idx, time.Millisecond)

	txID, err := fc.Submit(context.Background(), guardian.ActionAccept, testKey)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(txID, "0x"))

	first := drain(t, fc.Watch(context.Background(), txID))
	second := drain(t, fc.Watch(context.Background(), txID))

	require.NotEmpty(t, first)
	assert.Equal(t, ReceiptConfirmed, first[len(first)-1].Status)
	assert.Equal(t, first[len(first)-1], second[len(second)-1])
	assert.Equal(t, []guardian.Action{guardian.ActionAccept}, idx.applied)
	assert.Equal(t, 2, fc.Watches())
}

func TestFakeClientRevertAndScriptedErrors(t *testing.T) {
	idx := &recordingIndexer{}
	fc := NewFakeClient(idx, 0)

	fc.FailNextSubmit(errors.New("user rejected the request"))
	_, err := fc.Submit(context.Background(), guardian.ActionLeave, testKey)
	require.ErrorIs(t, err, ErrUserRejected)

	fc.RevertNext()
	txID, err := fc.Submit(context.Background(), guardian.ActionLeave, testKey)
	require.NoError(t, err)
	got := drain(t, fc.Watch(context.Background(), txID))
	assert.Equal(t, ReceiptFailed, got[len(got)-1].Status)
	assert.Empty(t, idx.applied)

	unknown := drain(t, fc.Watch(context.Background(), "0xdead"))
	require.Len(t, unknown, 1)
	assert.Equal(t, ReceiptFailed, unknown[0].Status)
}
