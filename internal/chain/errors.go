package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"

	"guardianrails/internal/guardian"
)

// ErrUserRejected means the signer declined the request. Nothing was sent.
var ErrUserRejected = errors.New("user rejected signing request")

// ErrWrongSigner means the acting party is not the account the submitter
// signs with. Nothing was sent.
var ErrWrongSigner = errors.New("acting party is not the configured signer")

// eip1193UserRejected is the provider error code for a declined signature.
const eip1193UserRejected = 4001

// SubmissionError wraps a failure to broadcast an action. Transient errors
// may succeed if the user retries.
type SubmissionError struct {
	Action    guardian.Action
	Err       error
	transient bool
}

func (e *SubmissionError) Error() string {
	kind := "terminal"
	if e.transient {
		kind = "transient"
	}
	return fmt.Sprintf("submit %s (%s): %v", e.Action, kind, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) Transient() bool {
	return e.transient
}

func Transient(action guardian.Action, err error) error {
	if err == nil {
		return nil
	}
	return &SubmissionError{Action: action, Err: err, transient: true}
}

func Terminal(action guardian.Action, err error) error {
	if err == nil {
		return nil
	}
	return &SubmissionError{Action: action, Err: err}
}

var (
	rejectedTokens  = []string{"user rejected", "user denied", "rejected by user", "request rejected"}
	transientTokens = []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"too many requests",
		"rate limit",
		"temporarily unavailable",
		"service unavailable",
		"bad gateway",
		"nonce too low",
		"replacement transaction underpriced",
	}
)

// ClassifySubmitError maps a raw signer or RPC error onto ErrUserRejected or
// a *SubmissionError. Already classified errors pass through unchanged.
func ClassifySubmitError(action guardian.Action, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUserRejected) {
		return err
	}
	var classified *SubmissionError
	if errors.As(err, &classified) {
		return err
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == eip1193UserRejected {
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	}
	lower := strings.ToLower(err.Error())
	if containsAny(lower, rejectedTokens) {
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	}

	if errors.Is(err, context.Canceled) {
		return Terminal(action, err)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return Transient(action, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(action, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return Transient(action, err)
		}
		return Terminal(action, err)
	}
	if containsAny(lower, transientTokens) {
		return Transient(action, err)
	}
	return Terminal(action, err)
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
