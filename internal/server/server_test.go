package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"guardianrails/internal/chain"
	"guardianrails/internal/config"
	"guardianrails/internal/guardian"
	"guardianrails/internal/hmacauth"
	"guardianrails/internal/idempotency"
	"guardianrails/internal/reconcile"
	"guardianrails/internal/store"
)

const (
	testSecret = "test-secret"
	guardianW  = "0x1111111111111111111111111111111111111111"
	recipientW = "0x2222222222222222222222222222222222222222"
)

type testEnv struct {
	srv     *Server
	records *store.MemoryStore
	client  *chain.FakeClient
	idem    *idempotency.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith builds an env whose submitter is wrap applied to the fake
// client, or the fake client itself when wrap is nil.
func newTestEnvWith(t *testing.T, wrap func(*chain.FakeClient) chain.Submitter) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Service.HMACSecret = testSecret
	cfg.Service.IdempotencyWindow = time.Minute
	cfg.Reconcile.GraceDelay = 10 * time.Millisecond

	records := store.NewMemoryStore()
	client := chain.NewFakeClient(records, 0)
	idem := idempotency.NewMemoryStore()
	var submitter chain.Submitter = client
	if wrap != nil {
		submitter = wrap(client)
	}
	srv := NewServer(Deps{
		Config:      &cfg,
		Records:     records,
		Submitter:   submitter,
		Receipts:    client,
		Idempotency: idem,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	return &testEnv{srv: srv, records: records, client: client, idem: idem}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	req.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	req.Header.Set(hmacauth.DefaultSignatureHeader, hmacauth.Sign(testSecret, ts, payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) propose(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/relationships/proposals", proposalRequest{Guardian: guardianW, Recipient: recipientW}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *testEnv) act(t *testing.T, key string, req actionRequest) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/v1/relationships/actions", req, map[string]string{idempotencyHeader: key})
}

func (e *testEnv) cards(t *testing.T, owner string, p guardian.Perspective) []guardian.Card {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/v1/relationships?owner="+owner+"&perspective="+string(p), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp relationshipsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Cards
}

func acceptRequest() actionRequest {
	return actionRequest{
		Owner:        guardianW,
		Perspective:  "guardian",
		Counterparty: recipientW,
		Action:       "accept",
	}
}

func TestProposalConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.propose(t)

	rec := env.do(t, http.MethodPost, "/api/v1/relationships/proposals", proposalRequest{Guardian: guardianW, Recipient: recipientW}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/relationships/proposals", proposalRequest{Guardian: guardianW, Recipient: guardianW}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelationshipViewsDifferByPerspective(t *testing.T) {
	env := newTestEnv(t)
	env.propose(t)

	recipientCards := env.cards(t, recipientW, guardian.PerspectiveRecipient)
	require.Len(t, recipientCards, 1)
	assert.Equal(t, []guardian.Action{guardian.ActionCancel}, recipientCards[0].Actions)
	assert.Equal(t, "0x1111...1111", recipientCards[0].Counterparty)
	assert.Contains(t, recipientCards[0].Text, "Invitation sent")

	guardianCards := env.cards(t, guardianW, guardian.PerspectiveGuardian)
	require.Len(t, guardianCards, 1)
	assert.ElementsMatch(t, []guardian.Action{guardian.ActionAccept, guardian.ActionDecline}, guardianCards[0].Actions)
	assert.Contains(t, guardianCards[0].Text, "Invitation received")

	rec := env.do(t, http.MethodGet, "/api/v1/relationships?owner=nope&perspective=guardian", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/relationships?owner="+guardianW+"&perspective=owner", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActionAcceptReconciles(t *testing.T) {
	env := newTestEnv(t)
	env.propose(t)

	rec := env.act(t, "key-1", acceptRequest())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "submitted", resp.Status)
	assert.Equal(t, guardian.ActionAccept, resp.Action)

	require.Eventually(t, func() bool {
		r := env.do(t, http.MethodGet, "/api/v1/transactions/"+resp.TxHash, nil, nil)
		var tx transactionResponse
		if r.Code != http.StatusOK || json.Unmarshal(r.Body.Bytes(), &tx) != nil {
			return false
		}
		return tx.State == reconcile.StateSettled && tx.Outcome == "confirmed"
	}, 2*time.Second, 5*time.Millisecond)

	// The cached guardian view picks up the change once the refresh lands.
	require.Eventually(t, func() bool {
		recs := env.srv.caches.Get(guardianW, guardian.PerspectiveGuardian).Snapshot()
		return len(recs) == 1 && recs[0].Status == guardian.StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	cards := env.cards(t, guardianW, guardian.PerspectiveGuardian)
	require.Len(t, cards, 1)
	assert.Equal(t, []guardian.Action{guardian.ActionLeave}, cards[0].Actions)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/0xunknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)
	env.propose(t)

	first := env.act(t, "key-1", acceptRequest())
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())

	second := env.act(t, "key-1", acceptRequest())
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, 1, env.client.Submitted())

	other := acceptRequest()
	other.Action = "decline"
	rec := env.act(t, "key-1", other)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/relationships/actions", acceptRequest(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActionErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	env.propose(t)

	remove := actionRequest{Owner: recipientW, Perspective: "recipient", Counterparty: guardianW, Action: "remove"}
	rec := env.act(t, "illegal", remove)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "illegal_action")
	assert.Equal(t, 0, env.client.Submitted())

	env.client.FailNextSubmit(errors.New("MetaMask: user rejected the request"))
	rec = env.act(t, "rejected", acceptRequest())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_rejected")

	env.client.FailNextSubmit(errors.New("dial tcp: connection refused"))
	rec = env.act(t, "transient", acceptRequest())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.client.FailNextSubmit(errors.New("execution reverted"))
	rec = env.act(t, "terminal", acceptRequest())
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	missing := acceptRequest()
	missing.Counterparty = "0x3333333333333333333333333333333333333333"
	rec = env.act(t, "missing", missing)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	bad := acceptRequest()
	bad.Action = "promote"
	rec = env.act(t, "bad", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Failed attempts are not stored, so the same key can be retried.
	rec = env.act(t, "transient", acceptRequest())
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestActionAcceptRefreshesCounterpartyView(t *testing.T) {
	env := newTestEnv(t)
	env.propose(t)

	recipientCards := env.cards(t, recipientW, guardian.PerspectiveRecipient)
	require.Len(t, recipientCards, 1)
	require.Equal(t, guardian.StatusPending, recipientCards[0].Status)

	rec := env.act(t, "key-1", acceptRequest())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sess, ok := env.srv.session(resp.TxHash)
	require.True(t, ok)
	<-sess.Done()
	require.NoError(t, sess.Err())

	// No refresh=true: the recipient's cached view was reloaded on confirmation.
	recipientCards = env.cards(t, recipientW, guardian.PerspectiveRecipient)
	require.Len(t, recipientCards, 1)
	assert.Equal(t, guardian.StatusActive, recipientCards[0].Status)
	assert.Equal(t, []guardian.Action{guardian.ActionRemove}, recipientCards[0].Actions)

	// The stale cancel is refused before anything is submitted.
	cancel := actionRequest{Owner: recipientW, Perspective: "recipient", Counterparty: guardianW, Action: "cancel"}
	rec = env.act(t, "key-2", cancel)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, env.client.Submitted())
}

// fixedSigner signs every action with one account.
type fixedSigner struct {
	*chain.FakeClient
	signer common.Address
}

func (f fixedSigner) Signer() common.Address { return f.signer }

func TestActionRejectedWhenOwnerIsNotSigner(t *testing.T) {
	env := newTestEnvWith(t, func(c *chain.FakeClient) chain.Submitter {
		return fixedSigner{FakeClient: c, signer: common.HexToAddress(recipientW)}
	})
	env.propose(t)

	rec := env.act(t, "key-1", acceptRequest())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "signer_mismatch")
	assert.Equal(t, 0, env.client.Submitted())

	cancel := actionRequest{Owner: recipientW, Perspective: "recipient", Counterparty: guardianW, Action: "cancel"}
	rec = env.act(t, "key-2", cancel)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, env.client.Submitted())
}

// slowSubmitter holds every submission until release is closed.
type slowSubmitter struct {
	*chain.FakeClient
	release chan struct{}
	calls   atomic.Int32
}

func (s *slowSubmitter) Submit(ctx context.Context, action guardian.Action, key guardian.RecordKey) (string, error) {
	s.calls.Add(1)
	<-s.release
	return s.FakeClient.Submit(ctx, action, key)
}

func TestConcurrentActionsWithSameKeySubmitOnce(t *testing.T) {
	var slow *slowSubmitter
	env := newTestEnvWith(t, func(c *chain.FakeClient) chain.Submitter {
		slow = &slowSubmitter{FakeClient: c, release: make(chan struct{})}
		return slow
	})
	env.propose(t)

	var wg sync.WaitGroup
	results := make([]*httptest.ResponseRecorder, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = env.act(t, "key-1", acceptRequest())
		}()
	}
	require.Eventually(t, func() bool { return slow.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(slow.release)
	wg.Wait()

	assert.Equal(t, int32(1), slow.calls.Load())
	assert.Equal(t, 1, env.client.Submitted())
	for _, rec := range results {
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, results[0].Body.Bytes(), rec.Body.Bytes())
	}
}

func TestUnsignedRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/relationships?owner="+guardianW+"&perspective=guardian", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "guardian_http_requests_total")
}

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	cfg := config.Default()
	records := downStore{MemoryStore: store.NewMemoryStore()}
	client := chain.NewFakeClient(records, 0)
	srv := NewServer(Deps{
		Config:      &cfg,
		Records:     records,
		Submitter:   client,
		Receipts:    client,
		Idempotency: idempotency.NewMemoryStore(),
		Logger:      zerolog.Nop(),
	})
	defer srv.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestShutdownDetachesSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := newTestEnv(t)
	env.client.Delay = time.Hour
	env.propose(t)

	rec := env.act(t, "key-1", acceptRequest())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	sess, ok := env.srv.session(resp.TxHash)
	require.True(t, ok)
	assert.Equal(t, 1, env.srv.pendingSessions())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	<-sess.Done()
	assert.ErrorIs(t, sess.Err(), context.Canceled)
	assert.Empty(t, sess.Outcome())
}
