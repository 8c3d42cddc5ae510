package audit

import (
	"errors"
	"fmt"

	"civicflow/internal/domain"
)

var ErrBrokenChain = errors.New("broken status chain")

// ChainError points at the first entry that does not continue the chain.
type ChainError struct {
	Index  int
	Reason string
}

func (e ChainError) Error() string {
	return fmt.Sprintf("status log entry %d: %s", e.Index, e.Reason)
}

func (e ChainError) Is(target error) bool {
	return target == ErrBrokenChain
}

// Replay folds entries from the implicit REGISTERED state and returns the
// resulting status. Only the first entry may have a nil FromStatus.
func Replay(entries []domain.StatusLogEntry) (domain.Status, error) {
	state := domain.StatusRegistered
	for i, e := range entries {
		if e.FromStatus == nil {
			if i != 0 {
				return state, ChainError{Index: i, Reason: "missing from_status"}
			}
			if e.ToStatus != domain.StatusRegistered {
				return state, ChainError{Index: i, Reason: fmt.Sprintf("first entry must enter %s, got %s", domain.StatusRegistered, e.ToStatus)}
			}
		} else if *e.FromStatus != state {
			return state, ChainError{Index: i, Reason: fmt.Sprintf("from_status %s does not follow %s", *e.FromStatus, state)}
		}
		if !e.ToStatus.Valid() {
			return state, ChainError{Index: i, Reason: fmt.Sprintf("unknown to_status %q", e.ToStatus)}
		}
		state = e.ToStatus
	}
	return state, nil
}

// Verify checks ordering, the no-gap chain, and that replay lands on current.
func Verify(entries []domain.StatusLogEntry, current domain.Status) error {
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			return ChainError{Index: i, Reason: "timestamp earlier than previous entry"}
		}
	}
	got, err := Replay(entries)
	if err != nil {
		return err
	}
	if got != current {
		return ChainError{Index: len(entries) - 1, Reason: fmt.Sprintf("replay gives %s, complaint is %s", got, current)}
	}
	return nil
}
