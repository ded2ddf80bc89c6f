package contracts

// RiskLevel categorizes how dangerous an action is. Ordered: low <
// medium < high < critical. Fixed once computed for an ActionRecord.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskOrder[r] >= riskOrder[other]
}

// RequiresApproval reports whether an action at this risk level must be
// approved by a human before execution. Medium-in-production and above
// per the classifier policy table.
func (r RiskLevel) RequiresApproval(env Environment) bool {
	if r == RiskCritical || r == RiskHigh {
		return true
	}
	return r == RiskMedium && env == EnvProduction
}

// ApproverQuorum returns the number of distinct approving responders
// required: two for critical (four-eyes), one otherwise.
func (r RiskLevel) ApproverQuorum() int {
	if r == RiskCritical {
		return 2
	}
	return 1
}
