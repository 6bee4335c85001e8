package listings

import (
	"fmt"
	"strings"
)

// RowPolicy decides what happens to a row that cannot be normalized or loaded.
type RowPolicy int

const (
	// PolicyFail aborts on the first bad row.
	PolicyFail RowPolicy = iota
	// PolicySkip drops bad rows and counts them.
	PolicySkip
)

// ParseRowPolicy accepts "fail"/"abort" and "skip"/"continue".
func ParseRowPolicy(s string) (RowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail", "abort":
		return PolicyFail, nil
	case "skip", "continue":
		return PolicySkip, nil
	default:
		return PolicyFail, fmt.Errorf("unknown row error policy %q", s)
	}
}

func (p RowPolicy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "fail"
}
