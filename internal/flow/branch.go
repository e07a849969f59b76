package flow

import (
	"slices"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Matches reports whether rule holds for c.
func Matches(rule models.BranchRule, c models.Context) bool {
	switch rule.Op {
	case models.BranchEq:
		return c.Get(rule.Key) == rule.Value
	case models.BranchNeq:
		return c.Get(rule.Key) != rule.Value
	case models.BranchExists:
		return c.Get(rule.Key) != ""
	case models.BranchIn:
		return slices.Contains(rule.Values, c.Get(rule.Key))
	}
	return false
}

// EvaluateBranches returns the target of the first matching rule.
func EvaluateBranches(rules []models.BranchRule, c models.Context) (string, bool) {
	for _, r := range rules {
		if Matches(r, c) {
			return r.Target, true
		}
	}
	return "", false
}
