package guardian

import (
	"strings"
	"time"
	"unicode"
)

const (
	dateLayout     = "2 Jan 2006"
	unknownStatus  = "Status unknown"
	unknownAddress = "unknown"

	shortPrefixLen = 6
	shortSuffixLen = 4
	minAddressLen  = 10
	ellipsis       = "..."
)

type copyKey struct {
	perspective Perspective
	status      Status
}

// statusCopy maps every (perspective, status) pair to its display phrase.
var statusCopy = map[copyKey]string{
	{PerspectiveRecipient, StatusActive}:    "Guardian since",
	{PerspectiveRecipient, StatusPending}:   "Invitation sent,",
	{PerspectiveRecipient, StatusDeclined}:  "Invitation declined,",
	{PerspectiveRecipient, StatusCancelled}: "Invitation cancelled,",
	{PerspectiveRecipient, StatusRemoved}:   "Removed as guardian,",
	{PerspectiveRecipient, StatusLeft}:      "Left guardian role,",

	{PerspectiveGuardian, StatusActive}:    "Protecting since",
	{PerspectiveGuardian, StatusPending}:   "Invitation received,",
	{PerspectiveGuardian, StatusDeclined}:  "Declined guardian role,",
	{PerspectiveGuardian, StatusCancelled}: "Proposal cancelled,",
	{PerspectiveGuardian, StatusRemoved}:   "Removed by recipient,",
	{PerspectiveGuardian, StatusLeft}:      "Left guardian role,",
}

// Describe renders the status line for a record. It never fails: unknown
// statuses render as "Status unknown" and a zero time drops the date.
func Describe(p Perspective, s Status, at time.Time) string {
	phrase, ok := statusCopy[copyKey{p, s}]
	if !ok {
		return unknownStatus
	}
	if at.IsZero() {
		return strings.TrimSuffix(phrase, ",")
	}
	return phrase + " " + FormatDate(at)
}

// FormatDate renders a transition time as "5 Jan 2024" in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// Shorten returns the first six and last four characters of addr joined by
// an ellipsis.
func Shorten(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if len(addr) < minAddressLen || strings.IndexFunc(addr, unicode.IsSpace) >= 0 || !isASCII(addr) {
		return "", &InvalidAddressError{Address: addr}
	}
	return addr[:shortPrefixLen] + ellipsis + addr[len(addr)-shortSuffixLen:], nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// Card is everything a list row needs to render one relationship.
type Card struct {
	Counterparty string   `json:"counterparty"`
	Address      string   `json:"address"`
	Status       Status   `json:"status"`
	Text         string   `json:"text"`
	Actions      []Action `json:"actions"`
}

func Present(p Perspective, r Relationship) Card {
	other := r.Counterparty(p)
	short, err := Shorten(other)
	if err != nil {
		short = unknownAddress
	}
	return Card{
		Counterparty: short,
		Address:      other,
		Status:       r.Status,
		Text:         Describe(p, r.Status, r.CreatedAt),
		Actions:      Resolve(p, r.Status),
	}
}

func PresentAll(p Perspective, records []Relationship) []Card {
	cards := make([]Card, 0, len(records))
	for _, r := range records {
		cards = append(cards, Present(p, r))
	}
	return cards
}
