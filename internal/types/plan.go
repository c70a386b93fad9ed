package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Plan is a user's billing tier
type Plan string

// Billing plans
const (
	PlanFree     Plan = "FREE"
	PlanPro      Plan = "PRO"
	PlanBusiness Plan = "BUSINESS"
)

// Unlimited is the quota sentinel for plans without a ceiling
const Unlimited Minutes = -1

type planPolicy struct {
	quota    Minutes
	priority int
}

var plans = map[Plan]planPolicy{
	PlanFree:     {quota: 60, priority: 1},
	PlanPro:      {quota: 600, priority: 2},
	PlanBusiness: {quota: Unlimited, priority: 3},
}

// ParsePlan validates a plan name
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := plans[p]; !ok {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// Quota returns the monthly minute ceiling, or Unlimited
func (p Plan) Quota() Minutes {
	if pol, ok := plans[p]; ok {
		return pol.quota
	}
	return plans[PlanFree].quota
}

// Priority returns the dispatch priority; higher runs first
func (p Plan) Priority() int {
	if pol, ok := plans[p]; ok {
		return pol.priority
	}
	return plans[PlanFree].priority
}

// Priorities lists every plan priority, highest first
func Priorities() []int {
	seen := make(map[int]bool)
	var out []int
	for _, pol := range plans {
		if !seen[pol.priority] {
			seen[pol.priority] = true
			out = append(out, pol.priority)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// Minutes is a minute count that serialises Unlimited as "unlimited"
type Minutes int

// IsUnlimited reports whether m is the unlimited sentinel
func (m Minutes) IsUnlimited() bool {
	return m < 0
}

// MarshalJSON implements json.Marshaler
func (m Minutes) MarshalJSON() ([]byte, error) {
	if m.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(int(m))), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Minutes) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid minutes value %q", s)
		}
		*m = Unlimited
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*m = Minutes(n)
	return nil
}

// BillableMinutes converts an audio duration into billed minutes, rounding up
// to the next started minute
func BillableMinutes(durationSeconds float64) int {
	if durationSeconds <= 0 {
		return 0
	}
	return int(math.Ceil(durationSeconds/60 - 1e-9))
}

// QuotaView is the derived usage picture for one user
type QuotaView struct {
	OwnerID            string  `json:"ownerId"`
	Plan               Plan    `json:"plan"`
	MonthlyMinutesUsed int     `json:"monthlyMinutesUsed"`
	Quota              Minutes `json:"quota"`
	Remaining          Minutes `json:"remaining"`
}

// NewQuotaView computes quota and remaining for a plan and current usage
func NewQuotaView(ownerID string, plan Plan, used int) QuotaView {
	v := QuotaView{
		OwnerID:            ownerID,
		Plan:               plan,
		MonthlyMinutesUsed: used,
		Quota:              plan.Quota(),
		Remaining:          Unlimited,
	}
	if !v.Quota.IsUnlimited() {
		v.Remaining = v.Quota - Minutes(used)
		if v.Remaining < 0 {
			v.Remaining = 0
		}
	}
	return v
}
