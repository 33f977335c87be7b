package combat

import "errors"

var (
	// ErrInvalidTransition means the action is not legal in the current
	// state. The state is left untouched.
	ErrInvalidTransition = errors.New("invalid combat transition")

	// ErrNotFound means a referenced combatant or condition does not exist
	// in this encounter.
	ErrNotFound = errors.New("combatant not found")
)
