package guardian

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuardian  = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

func TestDescribeRemoved(t *testing.T) {
	at := time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "Removed as guardian, 5 Jan 2024", Describe(PerspectiveRecipient, StatusRemoved, at))
	assert.Equal(t, "Removed by recipient, 5 Jan 2024", Describe(PerspectiveGuardian, StatusRemoved, at))
}

func TestDescribeCoversEveryPair(t *testing.T) {
	at := time.Date(2024, time.March, 17, 12, 0, 0, 0, time.UTC)
	for _, p := range Perspectives {
		for _, s := range Statuses {
			got := Describe(p, s, at)
			assert.NotEqual(t, unknownStatus, got, "%s/%s", p, s)
			assert.True(t, strings.HasSuffix(got, "17 Mar 2024"), got)
		}
	}
}

func TestDescribeDistinguishesPerspective(t *testing.T) {
	at := time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "Invitation sent, 5 Jan 2024", Describe(PerspectiveRecipient, StatusPending, at))
	assert.Equal(t, "Invitation received, 5 Jan 2024", Describe(PerspectiveGuardian, StatusPending, at))
	assert.Equal(t, "Guardian since 5 Jan 2024", Describe(PerspectiveRecipient, StatusActive, at))
	assert.Equal(t, "Protecting since 5 Jan 2024", Describe(PerspectiveGuardian, StatusActive, at))
}

func TestDescribeUnknownAndZeroTime(t *testing.T) {
	assert.Equal(t, "Status unknown", Describe(PerspectiveGuardian, "suspended", time.Now()))
	assert.Equal(t, "Status unknown", Describe("observer", StatusActive, time.Now()))
	assert.Equal(t, "Invitation declined", Describe(PerspectiveRecipient, StatusDeclined, time.Time{}))
}

func TestShorten(t *testing.T) {
	got, err := Shorten(testGuardian)
	require.NoError(t, err)
	assert.Equal(t, "0x1111...1111", got)

	for n := minAddressLen; n <= 64; n++ {
		in := strings.Repeat("a", n)
		out, err := Shorten(in)
		require.NoError(t, err)
		assert.Len(t, out, 13)
		again, _ := Shorten(in)
		assert.Equal(t, out, again)
	}
}

func TestShortenRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "0x123", "0x1234567", "0x12 345678901"} {
		_, err := Shorten(in)
		require.ErrorIs(t, err, ErrInvalidAddress, in)
		var invalid *InvalidAddressError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestPresent(t *testing.T) {
	r := Relationship{
		GuardianWallet:  testGuardian,
		RecipientWallet: testRecipient,
		Status:          StatusPending,
		CreatedAt:       time.Date(2024, time.January, 5, 9, 30, 0, 0, time.UTC),
	}

	recipientView := Present(PerspectiveRecipient, r)
	assert.Equal(t, "0x1111...1111", recipientView.Counterparty)
	assert.Equal(t, []Action{ActionCancel}, recipientView.Actions)
	assert.Equal(t, "Invitation sent, 5 Jan 2024", recipientView.Text)

	guardianView := Present(PerspectiveGuardian, r)
	assert.Equal(t, "0x2222...2222", guardianView.Counterparty)
	assert.Equal(t, []Action{ActionAccept, ActionDecline}, guardianView.Actions)

	r.GuardianWallet = "bad"
	assert.Equal(t, unknownAddress, Present(PerspectiveRecipient, r).Counterparty)
}

func TestValidate(t *testing.T) {
	ok := Relationship{GuardianWallet: testGuardian, RecipientWallet: testRecipient}
	require.NoError(t, ok.Validate())

	self := Relationship{
		GuardianWallet:  "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
		RecipientWallet: "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD",
	}
	assert.ErrorIs(t, self.Validate(), ErrSelfGuardian)

	bad := Relationship{GuardianWallet: "0xnope", RecipientWallet: testRecipient}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAddress)
}
