package enums

import "fmt"

// PlanTier defines the feature entitlements attached to a subscription.
type PlanTier string

const (
	PlanTierFree  PlanTier = "free"
	PlanTierPro   PlanTier = "pro"
	PlanTierElite PlanTier = "elite"
)

var planTierRank = map[PlanTier]int{
	PlanTierFree:  0,
	PlanTierPro:   1,
	PlanTierElite: 2,
}

func (t PlanTier) String() string {
	return string(t)
}

func (t PlanTier) IsValid() bool {
	_, ok := planTierRank[t]
	return ok
}

// AtLeast reports whether t grants everything the other tier grants.
func (t PlanTier) AtLeast(other PlanTier) bool {
	return planTierRank[t] >= planTierRank[other]
}

func ParsePlanTier(value string) (PlanTier, error) {
	tier := PlanTier(value)
	if !tier.IsValid() {
		return "", fmt.Errorf("invalid plan tier %q", value)
	}
	return tier, nil
}
