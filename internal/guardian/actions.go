package guardian

import "fmt"

// Action is a state-changing request one party may make on a relationship.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
	ActionRemove  Action = "remove"
	ActionLeave   Action = "leave"
)

var Actions = []Action{ActionAccept, ActionDecline, ActionCancel, ActionRemove, ActionLeave}

func ParseAction(raw string) (Action, error) {
	for _, a := range Actions {
		if string(a) == raw {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

type transitionKey struct {
	from  Status
	actor Perspective
	verb  Action
}

// transitions is the lifecycle table. Anything not listed is illegal.
var transitions = map[transitionKey]Status{
	{StatusPending, PerspectiveGuardian, ActionAccept}:  StatusActive,
	{StatusPending, PerspectiveGuardian, ActionDecline}: StatusDeclined,
	{StatusPending, PerspectiveRecipient, ActionCancel}: StatusCancelled,
	{StatusActive, PerspectiveRecipient, ActionRemove}:  StatusRemoved,
	{StatusActive, PerspectiveGuardian, ActionLeave}:    StatusLeft,
}

type resolveKey struct {
	perspective Perspective
	status      Status
}

// permitted drives both the enabled buttons and the initiator precondition.
var permitted = map[resolveKey][]Action{
	{PerspectiveRecipient, StatusPending}: {ActionCancel},
	{PerspectiveRecipient, StatusActive}:  {ActionRemove},
	{PerspectiveGuardian, StatusPending}:  {ActionAccept, ActionDecline},
	{PerspectiveGuardian, StatusActive}:   {ActionLeave},
}

// Resolve returns the actions the viewer may take on a record in status s.
// The returned slice is a copy and may be modified by the caller.
func Resolve(p Perspective, s Status) []Action {
	actions := permitted[resolveKey{p, s}]
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

func Permits(p Perspective, s Status, a Action) bool {
	for _, candidate := range permitted[resolveKey{p, s}] {
		if candidate == a {
			return true
		}
	}
	return false
}

// Transition returns the status a confirmed action by actor moves a record to.
func Transition(from Status, actor Perspective, a Action) (Status, error) {
	to, ok := transitions[transitionKey{from, actor, a}]
	if !ok {
		return "", &IllegalActionError{Perspective: actor, Status: from, Action: a}
	}
	return to, nil
}

// Actor returns the party allowed to perform a. Every action belongs to
// exactly one side of the relationship.
func Actor(a Action) Perspective {
	switch a {
	case ActionCancel, ActionRemove:
		return PerspectiveRecipient
	}
	return PerspectiveGuardian
}
