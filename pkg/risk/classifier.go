// Package risk classifies proposed actions into risk levels. The
// classifier is a pure function of action type and target environment;
// it never consults external state and has no error conditions.
package risk

import "github.com/opsentry/opsentry/pkg/contracts"

// destructive action types are critical in every environment. The set
// is fixed: no parameter or context can lower it.
var destructive = map[contracts.ActionType]bool{
	contracts.ActionDrainNode:        true,
	contracts.ActionDeleteNamespace:  true,
	contracts.ActionModifyNetworkPol: true,
	contracts.ActionModifyIAM:        true,
}

// highImpact action types scale with the blast radius of the
// environment: low in development, medium in staging, high in production.
var highImpact = map[contracts.ActionType]bool{
	contracts.ActionRollbackDeployment: true,
	contracts.ActionRotateCredential:   true,
	contracts.ActionScaleDown:          true,
}

// Classifier maps Action x Environment to a RiskLevel.
type Classifier struct{}

// NewClassifier creates a Classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify is deterministic and side-effect free. Unrecognized action
// types are treated as high-impact: the classifier fails toward caution,
// not permissiveness.
func (c *Classifier) Classify(action contracts.Action) contracts.RiskLevel {
	switch {
	case destructive[action.Type]:
		return contracts.RiskCritical
	case highImpact[action.Type] || !known(action.Type):
		return byEnvironment(action.Environment, contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh)
	default:
		return byEnvironment(action.Environment, contracts.RiskLow, contracts.RiskLow, contracts.RiskMedium)
	}
}

func known(t contracts.ActionType) bool {
	switch t {
	case contracts.ActionRestart, contracts.ActionRestartPod, contracts.ActionScale,
		contracts.ActionScaleDown, contracts.ActionRollbackDeployment,
		contracts.ActionRotateCredential, contracts.ActionDrainNode,
		contracts.ActionDeleteNamespace, contracts.ActionModifyNetworkPol,
		contracts.ActionModifyIAM:
		return true
	}
	return false
}

func byEnvironment(env contracts.Environment, dev, staging, prod contracts.RiskLevel) contracts.RiskLevel {
	switch env {
	case contracts.EnvDevelopment:
		return dev
	case contracts.EnvStaging:
		return staging
	default:
		// Unknown environments are treated as production.
		return prod
	}
}
