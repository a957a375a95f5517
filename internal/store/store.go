package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"guardianrails/internal/guardian"
)

// RecordStore is the indexed projection of guardian relationships.
type RecordStore interface {
	// FetchRelationships returns the records the owner takes part in from the
	// given perspective, most recent transition first.
	FetchRelationships(ctx context.Context, owner string, p guardian.Perspective) ([]guardian.Relationship, error)
	// Propose starts a new lifecycle for the pair. It fails with
	// guardian.ErrProposalExists while a pending or active record exists.
	Propose(ctx context.Context, guardianWallet, recipientWallet string, at time.Time) (guardian.Relationship, error)
	// ApplyTransition records a confirmed action against the pair.
	ApplyTransition(ctx context.Context, key guardian.RecordKey, action guardian.Action, at time.Time) error
}

// MemoryStore keeps one record per ordered pair in memory. Used in dev mode
// and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[guardian.RecordKey]guardian.Relationship
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[guardian.RecordKey]guardian.Relationship),
	}
}

func (m *MemoryStore) FetchRelationships(_ context.Context, owner string, p guardian.Perspective) ([]guardian.Relationship, error) {
	if !common.IsHexAddress(owner) {
		return nil, &guardian.InvalidAddressError{Address: owner}
	}
	ownerAddr := common.HexToAddress(owner)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]guardian.Relationship, 0)
	for key, rec := range m.data {
		side := key.Recipient
		if p == guardian.PerspectiveGuardian {
			side = key.Guardian
		}
		if side == ownerAddr {
			out = append(out, rec)
		}
	}
	sortRecent(out)
	return out, nil
}

func (m *MemoryStore) Propose(_ context.Context, guardianWallet, recipientWallet string, at time.Time) (guardian.Relationship, error) {
	if err := guardian.ValidatePair(guardianWallet, recipientWallet); err != nil {
		return guardian.Relationship{}, err
	}
	rec := guardian.Relationship{
		GuardianWallet:  normalize(guardianWallet),
		RecipientWallet: normalize(recipientWallet),
		Status:          guardian.StatusPending,
		CreatedAt:       at.UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[rec.Key()]; ok && !existing.Status.Terminal() {
		return guardian.Relationship{}, guardian.ErrProposalExists
	}
	m.data[rec.Key()] = rec
	return rec, nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, key guardian.RecordKey, action guardian.Action, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return guardian.ErrNotFound
	}
	next, err := guardian.Transition(rec.Status, guardian.Actor(action), action)
	if err != nil {
		return err
	}
	rec.Status = next
	rec.CreatedAt = at.UTC()
	m.data[key] = rec
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func normalize(addr string) string {
	return common.HexToAddress(strings.TrimSpace(addr)).Hex()
}

func sortRecent(records []guardian.Relationship) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
