// Package entitlement maps a subscription plan to the capabilities and limits
// the rest of PitchPractice consults before permitting an action.
//
// Resolution is pure: [Resolve] performs no I/O and depends only on its
// arguments, so the same [Entitlement] can be resolved repeatedly (for
// example every time a day pass might have expired).
package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// Plan identifies a subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanCoach   Plan = "coach"
	PlanDayPass Plan = "daypass"
)

// Plans lists every known plan in ascending order of price.
var Plans = []Plan{PlanFree, PlanStarter, PlanCoach, PlanDayPass}

// ParsePlan normalises s to a known [Plan]. Matching is case-insensitive and
// tolerates the "day_pass" / "day-pass" spellings.
func ParsePlan(s string) (Plan, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "", "-", "", " ", "").Replace(norm)
	for _, p := range Plans {
		if string(p) == norm {
			return p, nil
		}
	}
	return "", fmt.Errorf("entitlement: unknown plan %q", s)
}

// IsValid reports whether p is one of the known plans.
func (p Plan) IsValid() bool {
	_, ok := ceilings[p]
	return ok
}

// ceilings is the per-plan recording duration limit.
var ceilings = map[Plan]time.Duration{
	PlanFree:    120 * time.Second,
	PlanStarter: 1800 * time.Second,
	PlanCoach:   5400 * time.Second,
	PlanDayPass: 5400 * time.Second,
}

// MaxDuration returns the recording ceiling for p. Unknown plans get the free
// ceiling.
func MaxDuration(p Plan) time.Duration {
	if d, ok := ceilings[p]; ok {
		return d
	}
	return ceilings[PlanFree]
}

// Entitlement is the raw plan state resolved from the billing backend.
type Entitlement struct {
	Plan Plan `json:"plan"`

	// DayPassExpiresAt is only meaningful for [PlanDayPass]. A zero value on a
	// day pass is treated as already expired.
	DayPassExpiresAt time.Time `json:"day_pass_expires_at,omitzero"`
}

// Capabilities is the resolved set of feature flags and limits.
type Capabilities struct {
	// Plan is the effective plan. An expired day pass resolves to [PlanFree].
	Plan Plan

	HasCoachAccess         bool
	HasDayPassAccess       bool
	CanEditRubrics         bool
	CanViewPremiumInsights bool
	CanViewProgressPanel   bool

	// MaxDuration is the recording ceiling; captures auto-stop when it is reached.
	MaxDuration time.Duration
}

// AllowCustomRubric reports whether an inline custom rubric definition may be
// sent instead of a built-in rubric id.
func (c Capabilities) AllowCustomRubric() bool {
	return c.CanEditRubrics
}

// Resolve computes the capabilities of e at instant now.
func Resolve(e Entitlement, now time.Time) Capabilities {
	plan := e.Plan
	if !plan.IsValid() {
		plan = PlanFree
	}
	dayPassActive := plan == PlanDayPass && now.Before(e.DayPassExpiresAt)
	if plan == PlanDayPass && !dayPassActive {
		plan = PlanFree
	}
	coach := plan == PlanCoach

	return Capabilities{
		Plan:                   plan,
		HasCoachAccess:         coach,
		HasDayPassAccess:       dayPassActive,
		CanEditRubrics:         coach,
		CanViewPremiumInsights: coach || dayPassActive,
		CanViewProgressPanel:   coach,
		MaxDuration:            MaxDuration(plan),
	}
}
