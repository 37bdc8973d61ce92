package auth

// Status is the lifecycle state of a credential, at both the record level and
// per model.
type Status string

const (
	// StatusUnknown means the state could not be determined.
	StatusUnknown Status = "unknown"
	// StatusActive marks a credential ready for selection.
	StatusActive Status = "active"
	// StatusPending marks a credential waiting on an external action
	// (e.g. an unfinished device-code flow).
	StatusPending Status = "pending"
	// StatusError marks a credential temporarily out of rotation after a failure.
	StatusError Status = "error"
	// StatusDisabled marks a credential an operator switched off; the
	// eligibility filter never selects it.
	StatusDisabled Status = "disabled"
)
