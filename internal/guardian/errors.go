package guardian

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrSelfGuardian   = errors.New("guardian and recipient must differ")
	ErrProposalExists = errors.New("relationship already pending or active")
	ErrNotFound       = errors.New("relationship not found")
)

// IllegalActionError reports an action the resolver does not permit for the
// viewer and status. Offering such an action is a caller bug.
type IllegalActionError struct {
	Perspective Perspective
	Status      Status
	Action      Action
}

func (e *IllegalActionError) Error() string {
	return fmt.Sprintf("action %q not permitted for %s on %s relationship", e.Action, e.Perspective, e.Status)
}

// InvalidAddressError is returned for input that is not a usable wallet address.
type InvalidAddressError struct {
	Address string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q", e.Address)
}

func (e *InvalidAddressError) Is(target error) bool {
	return target == ErrInvalidAddress
}
