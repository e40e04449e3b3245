package work

// Status is the validation state of the current item.
type Status string

const (
	StatusPending Status = "pending"
	StatusCorrect Status = "correct"
	StatusWrong   Status = "wrong"
	StatusFlagged Status = "flagged"
)

// isValidTransition enforces the allowed validation edges. Leaving wrong or
// flagged for pending is the user's cancel, or a failed submission reverting.
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCorrect || to == StatusWrong || to == StatusFlagged
	case StatusCorrect:
		return to == StatusPending
	case StatusWrong:
		return to == StatusPending
	case StatusFlagged:
		return to == StatusPending
	default:
		return false
	}
}
