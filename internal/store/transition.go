package store

// Status is the escrow lifecycle state.
type Status string

const (
	StatusDeployed Status = "deployed"
	StatusCreated  Status = "created"
	StatusApproved Status = "approved"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// ValidStatus reports whether s names a lifecycle state.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusDeployed, StatusCreated, StatusApproved, StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// statusRank orders the lifecycle for monotonicity checks. The two terminal
// states share a rank; a row never moves between them.
func statusRank(s Status) int {
	switch s {
	case StatusCreated:
		return 1
	case StatusApproved:
		return 2
	case StatusReleased, StatusRefunded:
		return 3
	default:
		return 0
	}
}

// facts captures what has been observed for one escrow. Status is a pure
// function of facts, which is what makes projection order-independent per
// escrow: any arrival order of a complete event set lands on the same
// derived status.
type facts struct {
	createdSeen       bool
	approvalsCount    int
	approvalsRequired int
	requiredKnown     bool
	terminal          Status // StatusReleased, StatusRefunded, or ""
}

// deriveStatus computes the status implied by the facts. Terminal states
// and the approval threshold only take effect once EscrowCreated has been
// seen: a release observed before its creation keeps the row at its current
// status and promotes when the predecessor arrives.
func deriveStatus(f facts) Status {
	if !f.createdSeen {
		return StatusDeployed
	}
	if f.terminal != "" {
		return f.terminal
	}
	if f.requiredKnown && f.approvalsCount >= f.approvalsRequired {
		return StatusApproved
	}
	return StatusCreated
}

// promote moves status forward only. Derived states never rank below the
// current one when driven by a consistent event set; if they do (partial
// observation), the current status wins.
func promote(current, derived Status) Status {
	if statusRank(derived) > statusRank(current) {
		return derived
	}
	return current
}
