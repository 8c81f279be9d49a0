package quota

import "fmt"

// ResponseTier selects the response depth and, for extended, a separate
// quota pool.
type ResponseTier string

const (
	TierBrief    ResponseTier = "brief"
	TierStandard ResponseTier = "standard"
	TierExtended ResponseTier = "extended"
)

// ParseResponseTier rejects unknown tiers instead of silently defaulting.
func ParseResponseTier(s string) (ResponseTier, error) {
	switch ResponseTier(s) {
	case TierBrief, TierStandard, TierExtended:
		return ResponseTier(s), nil
	default:
		return "", fmt.Errorf("unknown response tier: %q", s)
	}
}

// OutputCeiling is the maximum output tokens for the tier.
func (t ResponseTier) OutputCeiling() int {
	switch t {
	case TierBrief:
		return 2000
	case TierExtended:
		return 8192
	default:
		return 4000
	}
}

// InputCharLimit bounds the prompt size, proportional to response depth.
func (t ResponseTier) InputCharLimit() int {
	return 4 * t.OutputCeiling()
}

// Plan is a subscription level carrying daily quota limits.
type Plan string

const (
	PlanAnonymous   Plan = "anonymous"
	PlanFree        Plan = "free"
	PlanStarter     Plan = "starter"
	PlanStarterPlus Plan = "starter_plus"
	PlanPro         Plan = "pro"
	PlanProPlus     Plan = "pro_plus"
)

type PlanLimits struct {
	Daily          int  // requests per day
	ModelCap       int  // max models per comparison
	ExtendedDaily  int  // extended-tier requests per day, separate pool
	OverageAllowed bool // whether usage may exceed Daily
}

var planLimits = map[Plan]PlanLimits{
	PlanAnonymous:   {Daily: 10, ModelCap: 3, ExtendedDaily: 2, OverageAllowed: false},
	PlanFree:        {Daily: 20, ModelCap: 3, ExtendedDaily: 5, OverageAllowed: false},
	PlanStarter:     {Daily: 50, ModelCap: 6, ExtendedDaily: 10, OverageAllowed: true},
	PlanStarterPlus: {Daily: 100, ModelCap: 6, ExtendedDaily: 20, OverageAllowed: true},
	PlanPro:         {Daily: 200, ModelCap: 9, ExtendedDaily: 40, OverageAllowed: true},
	PlanProPlus:     {Daily: 400, ModelCap: 9, ExtendedDaily: 80, OverageAllowed: true},
}

func ParsePlan(s string) (Plan, error) {
	p := Plan(s)
	if _, ok := planLimits[p]; !ok {
		return "", fmt.Errorf("unknown plan: %q", s)
	}
	return p, nil
}

func (p Plan) Limits() PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}
