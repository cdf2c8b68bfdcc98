package router

import (
	"strings"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// MatchRules collects, for each server, the enabled rules that target it,
// list the trigger's kind and whose conditions all hold. Servers with no
// matching rule are absent from the result.
func MatchRules(trig trigger.Context, servers []config.Server, rules []config.Rule) map[string][]*config.Rule {
	matches := make(map[string][]*config.Rule)
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || !rule.AppliesTo(trig.Kind) || !ConditionsHold(trig, rule.Conditions) {
			continue
		}
		for _, s := range servers {
			if rule.Targeting(s.Name) {
				matches[s.Name] = append(matches[s.Name], rule)
			}
		}
	}
	return matches
}

// ConditionsHold reports whether every condition is satisfied. An empty set
// holds vacuously.
func ConditionsHold(trig trigger.Context, conds []config.Condition) bool {
	for _, c := range conds {
		if !conditionHolds(trig, c) {
			return false
		}
	}
	return true
}

func conditionHolds(trig trigger.Context, c config.Condition) bool {
	switch c.Kind {
	case config.CondRepository:
		return trig.Repository != "" && c.Pattern.MatchString(trig.Repository)
	case config.CondUser:
		return trig.UserID != "" && c.Pattern.MatchString(trig.UserID)
	case config.CondBranch:
		return trig.Branch != "" && c.Pattern.MatchString(trig.Branch)
	case config.CondKeywords:
		if trig.Content == "" {
			return false
		}
		content := strings.ToLower(trig.Content)
		for _, kw := range c.Keywords {
			if strings.Contains(content, kw) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
