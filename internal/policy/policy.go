// Package policy maps remote review statuses to target local completion
// states. Pure mapping, no I/O.
package policy

import (
	"fmt"

	"proctorsync/internal/domain"
)

// UnknownStatusError reports a review status outside the vendor's documented
// set. It is record-local: the affected record is skipped, never the batch.
type UnknownStatusError struct {
	Status string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown review status %q", e.Status)
}

// TargetState returns the completion state a review status maps to.
//
// A pending review and a rejected ID both leave the activity incomplete: the
// user can still resubmit. Only a rule violation is terminal.
func TargetState(reviewStatus string) (domain.CompletionState, error) {
	switch reviewStatus {
	case domain.StatusInProgress:
		return domain.Incomplete, nil
	case domain.StatusValid:
		return domain.Complete, nil
	case domain.StatusInvalidID:
		return domain.Incomplete, nil
	case domain.StatusInvalidRules:
		return domain.CompleteFail, nil
	}
	return domain.Incomplete, UnknownStatusError{Status: reviewStatus}
}
