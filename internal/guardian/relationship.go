package guardian

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a guardian relationship as reported by the
// record store. Values outside the known set are kept verbatim so they can be
// rendered as unknown instead of rejected.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusRemoved   Status = "removed"
	StatusLeft      Status = "left"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusActive,
	StatusDeclined,
	StatusCancelled,
	StatusRemoved,
	StatusLeft,
}

func (s Status) Known() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no action may leave s. Unknown statuses are not
// terminal, they simply have no permitted actions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusCancelled, StatusRemoved, StatusLeft:
		return true
	}
	return false
}

// Perspective is the party viewing a relationship.
type Perspective string

const (
	// PerspectiveRecipient: the viewer owns the account, the other party is the guardian.
	PerspectiveRecipient Perspective = "recipient"
	// PerspectiveGuardian: the viewer guards the account, the other party is the recipient.
	PerspectiveGuardian Perspective = "guardian"
)

var Perspectives = []Perspective{PerspectiveRecipient, PerspectiveGuardian}

func ParsePerspective(raw string) (Perspective, error) {
	switch p := Perspective(strings.ToLower(strings.TrimSpace(raw))); p {
	case PerspectiveRecipient, PerspectiveGuardian:
		return p, nil
	}
	return "", fmt.Errorf("unknown perspective %q", raw)
}

// Relationship is the read-only projection of one guardian/recipient pairing.
// CreatedAt carries the time of the most recent transition (proposal,
// acceptance, removal, ...), not strictly the creation time.
type Relationship struct {
	GuardianWallet  string    `json:"guardianWallet"`
	RecipientWallet string    `json:"recipientWallet"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RecordKey identifies the ordered (guardian, recipient) pair.
type RecordKey struct {
	Guardian  common.Address
	Recipient common.Address
}

func (k RecordKey) String() string {
	return k.Guardian.Hex() + ":" + k.Recipient.Hex()
}

func (r Relationship) Key() RecordKey {
	return RecordKey{
		Guardian:  common.HexToAddress(r.GuardianWallet),
		Recipient: common.HexToAddress(r.RecipientWallet),
	}
}

// Validate checks the record invariants that do not depend on the store.
func (r Relationship) Validate() error {
	return ValidatePair(r.GuardianWallet, r.RecipientWallet)
}

// ValidatePair checks that both wallets are hex addresses and that a party is
// not appointed as its own guardian.
func ValidatePair(guardianWallet, recipientWallet string) error {
	if !common.IsHexAddress(guardianWallet) {
		return &InvalidAddressError{Address: guardianWallet}
	}
	if !common.IsHexAddress(recipientWallet) {
		return &InvalidAddressError{Address: recipientWallet}
	}
	if common.HexToAddress(guardianWallet) == common.HexToAddress(recipientWallet) {
		return ErrSelfGuardian
	}
	return nil
}

// Counterparty returns the wallet of the party the viewer is looking at.
func (r Relationship) Counterparty(p Perspective) string {
	if p == PerspectiveGuardian {
		return r.RecipientWallet
	}
	return r.GuardianWallet
}

// Owner returns the wallet of the viewing party.
func (r Relationship) Owner(p Perspective) string {
	if p == PerspectiveGuardian {
		return r.GuardianWallet
	}
	return r.RecipientWallet
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
