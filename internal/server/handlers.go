package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"guardianrails/internal/chain"
	"guardianrails/internal/guardian"
	"guardianrails/internal/idempotency"
	"guardianrails/internal/reconcile"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	maxRequestBody    = 64 << 10
)

type relationshipsResponse struct {
	Owner       string               `json:"owner"`
	Perspective guardian.Perspective `json:"perspective"`
	Cards       []guardian.Card      `json:"cards"`
}

type actionRequest struct {
	Owner        string `json:"owner"`
	Perspective  string `json:"perspective"`
	Counterparty string `json:"counterparty"`
	Action       string `json:"action"`
}

type actionResponse struct {
	TxHash string          `json:"txHash"`
	Action guardian.Action `json:"action"`
	Status string          `json:"status"`
}

type proposalRequest struct {
	Guardian  string `json:"guardian"`
	Recipient string `json:"recipient"`
}

type transactionResponse struct {
	TxHash      string               `json:"txHash"`
	Action      guardian.Action      `json:"action"`
	Perspective guardian.Perspective `json:"perspective"`
	State       reconcile.State      `json:"state"`
	Outcome     string               `json:"outcome,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := strings.TrimSpace(q.Get("owner"))
	if !common.IsHexAddress(owner) {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner must be a hex address")
		return
	}
	persp, err := guardian.ParsePerspective(q.Get("perspective"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	cache := s.caches.Get(owner, persp)
	if refresh || !cache.Loaded() {
		if err := cache.Sync(r.Context()); err != nil {
			s.logger.Error().Err(err).Str("owner", owner).Msg("fetch relationships failed")
			writeError(w, http.StatusInternalServerError, "store_unavailable", "could not load relationships")
			return
		}
	}

	writeJSON(w, http.StatusOK, relationshipsResponse{
		Owner:       cache.Owner(),
		Perspective: persp,
		Cards:       guardian.PresentAll(persp, cache.Snapshot()),
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing X-Idempotency-Key header")
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	var payload actionRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json payload")
		return
	}
	persp, action, err := validateActionRequest(payload)
	if err != nil {
		s.metrics.incAction("invalid")
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	owner := common.HexToAddress(payload.Owner).Hex()
	scoped := idempotency.ScopedKey(owner, key)
	hash := idempotency.HashRequest(body)

	// Concurrent requests with one key share a single lookup, submit and save.
	v, _, _ := s.inflight.Do(scoped, func() (any, error) {
		return s.performAction(ctx, scoped, owner, persp, action, payload.Counterparty, body), nil
	})
	res := v.(actionResult)
	if res.requestHash != "" && res.requestHash != hash {
		s.metrics.incAction("key_reused")
		writeError(w, http.StatusUnprocessableEntity, "idempotency_conflict", "idempotency key reused with a different request")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.status)
	_, _ = w.Write(res.body)
}

// actionResult is the response to an action request. requestHash is the hash
// of the body that produced it.
type actionResult struct {
	status      int
	body        []byte
	requestHash string
}

func errorResult(status int, code, msg, hash string) actionResult {
	body, _ := json.Marshal(errorResponse{Error: code, Message: msg})
	return actionResult{status: status, body: body, requestHash: hash}
}

func (s *Server) performAction(ctx context.Context, scoped, owner string, persp guardian.Perspective, action guardian.Action, counterparty string, body []byte) actionResult {
	hash := idempotency.HashRequest(body)
	if existing, _ := s.idem.Get(ctx, scoped); existing != nil {
		if !existing.Matches(body) {
			return actionResult{requestHash: existing.RequestHash}
		}
		s.metrics.incAction("cached")
		return actionResult{status: existing.StatusCode, body: existing.Response, requestHash: hash}
	}

	cache := s.caches.Get(owner, persp)
	rec, ok := cache.Find(counterparty)
	if !ok {
		// The view may be stale or not loaded yet.
		if err := cache.Sync(ctx); err != nil {
			s.logger.Error().Err(err).Str("owner", owner).Msg("fetch relationships failed")
			return errorResult(http.StatusInternalServerError, "store_unavailable", "could not load relationships", hash)
		}
		rec, ok = cache.Find(counterparty)
	}
	if !ok {
		s.metrics.incAction("not_found")
		return errorResult(http.StatusNotFound, "not_found", guardian.ErrNotFound.Error(), hash)
	}

	h, err := s.initiator.Initiate(ctx, persp, action, rec)
	if err != nil {
		status, code := actionErrorStatus(err)
		s.metrics.incAction(code)
		return errorResult(status, code, err.Error(), hash)
	}

	sess := s.controller.Reconcile(s.bgCtx, h, relationshipViews{s: s, rec: rec})
	s.trackSession(sess)

	resp, _ := json.Marshal(actionResponse{
		TxHash: h.TxID,
		Action: h.Action,
		Status: "submitted",
	})
	now := s.now()
	record := idempotency.Record{
		StatusCode:  http.StatusAccepted,
		Response:    resp,
		RequestHash: hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.idem.Save(ctx, scoped, record); err != nil {
		s.logger.Warn().Err(err).Str("tx_hash", h.TxID).Msg("idempotency save failed")
	}
	s.metrics.incAction("submitted")
	return actionResult{status: http.StatusAccepted, body: resp, requestHash: hash}
}

func validateActionRequest(req actionRequest) (guardian.Perspective, guardian.Action, error) {
	if !common.IsHexAddress(req.Owner) {
		return "", "", errors.New("owner must be a hex address")
	}
	if !common.IsHexAddress(req.Counterparty) {
		return "", "", errors.New("counterparty must be a hex address")
	}
	persp, err := guardian.ParsePerspective(req.Perspective)
	if err != nil {
		return "", "", err
	}
	action, err := guardian.ParseAction(req.Action)
	if err != nil {
		return "", "", err
	}
	return persp, action, nil
}

func actionErrorStatus(err error) (int, string) {
	var (
		illegal *guardian.IllegalActionError
		subErr  *chain.SubmissionError
	)
	switch {
	case errors.As(err, &illegal):
		return http.StatusConflict, "illegal_action"
	case errors.Is(err, chain.ErrWrongSigner):
		return http.StatusForbidden, "signer_mismatch"
	case errors.Is(err, chain.ErrUserRejected):
		return http.StatusForbidden, "user_rejected"
	case errors.Is(err, guardian.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, guardian.ErrInvalidAddress), errors.Is(err, guardian.ErrSelfGuardian):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &subErr) && subErr.Transient():
		return http.StatusServiceUnavailable, "submission_unavailable"
	case errors.As(err, &subErr):
		return http.StatusBadGateway, "submission_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request) {
	var payload proposalRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json payload")
		return
	}

	rec, err := s.records.Propose(r.Context(), payload.Guardian, payload.Recipient, s.now())
	switch {
	case errors.Is(err, guardian.ErrProposalExists):
		s.metrics.incProposal("exists")
		writeError(w, http.StatusConflict, "proposal_exists", err.Error())
		return
	case errors.Is(err, guardian.ErrInvalidAddress), errors.Is(err, guardian.ErrSelfGuardian):
		s.metrics.incProposal("invalid")
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		s.metrics.incProposal("failed")
		s.logger.Error().Err(err).Msg("propose failed")
		writeError(w, http.StatusInternalServerError, "store_unavailable", "could not store proposal")
		return
	}

	if err := s.refreshLoaded(r.Context(), rec); err != nil {
		s.logger.Warn().Err(err).Msg("refresh after proposal failed")
	}
	s.metrics.incProposal("created")
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txHash := r.PathValue("txHash")
	sess, ok := s.session(txHash)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown transaction")
		return
	}

	h := sess.Handle()
	resp := transactionResponse{
		TxHash:      h.TxID,
		Action:      h.Action,
		Perspective: h.Perspective,
		State:       sess.State(),
		Outcome:     string(sess.Outcome()),
	}
	if err := sess.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
