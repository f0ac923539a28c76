package notify

import (
	"fmt"

	"github.com/lalithlochan/beacon/internal/db"
)

// DeliveryState is the recipient-facing status of a delivery.
//
//	Unseen -> Read
//	Unseen -> Hidden
//	Read   -> Hidden
//
// Hidden is terminal.
type DeliveryState int

const (
	StateUnseen DeliveryState = iota
	StateRead
	StateHidden
)

func (s DeliveryState) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateRead:
		return "read"
	case StateHidden:
		return "hidden"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// StateOf derives the state from the persisted flags.
func StateOf(d *db.Delivery) DeliveryState {
	switch {
	case !d.IsVisible:
		return StateHidden
	case d.IsRead:
		return StateRead
	default:
		return StateUnseen
	}
}

// Transition validates moving from one state to another. It reports whether the
// move changes anything; moving to the current state is a legal no-op.
func Transition(from, to DeliveryState) (bool, error) {
	if from == to {
		return false, nil
	}
	switch {
	case from == StateUnseen && to == StateRead,
		from == StateUnseen && to == StateHidden,
		from == StateRead && to == StateHidden:
		return true, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
