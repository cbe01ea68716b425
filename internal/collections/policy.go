package collections

import (
	"fmt"
	"strings"
)

// Policy decides whether a classified reply may be answered automatically.
type Policy struct {
	threshold float64
	deny      map[Category]struct{}
}

// NewPolicy builds a policy from deployment configuration.
// CategoryUnknown is always denied. Unrecognised deny-list entries are an error.
func NewPolicy(threshold float64, denyList []string) (*Policy, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("confidence threshold must be within [0,1], got %v", threshold)
	}
	p := &Policy{
		threshold: threshold,
		deny:      map[Category]struct{}{CategoryUnknown: {}},
	}
	for _, raw := range denyList {
		c := ParseCategory(raw)
		if c == CategoryUnknown && !strings.EqualFold(strings.TrimSpace(raw), string(CategoryUnknown)) {
			return nil, fmt.Errorf("unknown deny-list category %q", raw)
		}
		p.deny[c] = struct{}{}
	}
	return p, nil
}

// Threshold returns the minimum confidence for automated replies.
func (p *Policy) Threshold() float64 { return p.threshold }

// Denied reports whether the category always requires a human.
func (p *Policy) Denied(c Category) bool {
	_, ok := p.deny[c]
	return ok
}

// Decide applies the rules in order; the first match wins.
func (p *Policy) Decide(c Classification) (Decision, Rule) {
	if p.Denied(c.Category) {
		return DecisionEscalate, RuleDenyList
	}
	if c.Confidence < p.threshold {
		return DecisionEscalate, RuleLowConfidence
	}
	return DecisionAutoRespond, RuleAutoRespond
}

// checkSendable re-asserts the rules right before an automated reply leaves the system.
func (p *Policy) checkSendable(invoiceID string, c Classification, draft string) error {
	switch {
	case p.Denied(c.Category):
		return fail(ErrPolicyViolation, invoiceID, fmt.Errorf("auto-respond attempted for deny-listed category %s", c.Category))
	case c.Confidence < p.threshold:
		return fail(ErrPolicyViolation, invoiceID, fmt.Errorf("auto-respond attempted below threshold (%.2f < %.2f)", c.Confidence, p.threshold))
	case strings.TrimSpace(draft) == "":
		return fail(ErrPolicyViolation, invoiceID, fmt.Errorf("auto-respond attempted with an empty draft"))
	}
	return nil
}
