package models

// Tier is a named subscription level.
type Tier string

const (
	TierFree         Tier = "free"
	TierIndividual   Tier = "individual"
	TierOrganization Tier = "organization"
	TierPayAsYouGo   Tier = "pay_as_you_go"
	TierEnterprise   Tier = "enterprise"
)

// TierQuota defines the monthly premium allowance for a subscription tier.
// Unlimited tiers never deny on usage count; a MonthlyLimit of zero on a
// non-unlimited tier means no premium access at all.
type TierQuota struct {
	MonthlyLimit int64
	Unlimited    bool
}

// TierQuotas maps subscription tiers to their allowances.
var TierQuotas = map[Tier]TierQuota{
	TierFree:         {MonthlyLimit: 3},
	TierIndividual:   {MonthlyLimit: 100},
	TierOrganization: {MonthlyLimit: 1000},
	TierPayAsYouGo:   {Unlimited: true},
	TierEnterprise:   {Unlimited: true},
}

// GetTierQuota returns the allowance for a tier, defaulting to the free
// tier for unknown values.
func GetTierQuota(tier Tier) TierQuota {
	if q, ok := TierQuotas[tier]; ok {
		return q
	}
	return TierQuotas[TierFree]
}

// Valid reports whether the tier is a known subscription level.
func (t Tier) Valid() bool {
	_, ok := TierQuotas[t]
	return ok
}
