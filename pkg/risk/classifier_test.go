package risk

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/opsentry/opsentry/pkg/contracts"
)

func TestClassifyTable(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		name string
		typ  contracts.ActionType
		env  contracts.Environment
		want contracts.RiskLevel
	}{
		{"restart in dev", contracts.ActionRestart, contracts.EnvDevelopment, contracts.RiskLow},
		{"restart in staging", contracts.ActionRestart, contracts.EnvStaging, contracts.RiskLow},
		{"restart in prod", contracts.ActionRestart, contracts.EnvProduction, contracts.RiskMedium},
		{"scale in prod", contracts.ActionScale, contracts.EnvProduction, contracts.RiskMedium},
		{"scale_down in dev", contracts.ActionScaleDown, contracts.EnvDevelopment, contracts.RiskLow},
		{"scale_down in staging", contracts.ActionScaleDown, contracts.EnvStaging, contracts.RiskMedium},
		{"scale_down in prod", contracts.ActionScaleDown, contracts.EnvProduction, contracts.RiskHigh},
		{"rotate_credential in prod", contracts.ActionRotateCredential, contracts.EnvProduction, contracts.RiskHigh},
		{"rollback_deployment in staging", contracts.ActionRollbackDeployment, contracts.EnvStaging, contracts.RiskMedium},
		{"drain_node in dev", contracts.ActionDrainNode, contracts.EnvDevelopment, contracts.RiskCritical},
		{"delete_namespace in prod", contracts.ActionDeleteNamespace, contracts.EnvProduction, contracts.RiskCritical},
		{"modify_iam in staging", contracts.ActionModifyIAM, contracts.EnvStaging, contracts.RiskCritical},
		{"modify_network_policy in dev", contracts.ActionModifyNetworkPol, contracts.EnvDevelopment, contracts.RiskCritical},
		{"unknown type in dev", contracts.ActionType("defrag"), contracts.EnvDevelopment, contracts.RiskLow},
		{"unknown type in prod", contracts.ActionType("defrag"), contracts.EnvProduction, contracts.RiskHigh},
		{"unknown env treated as prod", contracts.ActionRestart, contracts.Environment("qa"), contracts.RiskMedium},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(contracts.Action{Type: tc.typ, Environment: tc.env})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyProperties(t *testing.T) {
	c := NewClassifier()

	envs := gen.OneConstOf(
		contracts.EnvDevelopment, contracts.EnvStaging, contracts.EnvProduction,
	)
	allTypes := gen.OneConstOf(
		contracts.ActionRestart, contracts.ActionRestartPod, contracts.ActionScale,
		contracts.ActionScaleDown, contracts.ActionRollbackDeployment,
		contracts.ActionRotateCredential, contracts.ActionDrainNode,
		contracts.ActionDeleteNamespace, contracts.ActionModifyNetworkPol,
		contracts.ActionModifyIAM,
	)
	destructiveTypes := gen.OneConstOf(
		contracts.ActionDrainNode, contracts.ActionDeleteNamespace,
		contracts.ActionModifyNetworkPol, contracts.ActionModifyIAM,
	)

	properties := gopter.NewProperties(nil)

	properties.Property("destructive types are critical everywhere", prop.ForAll(
		func(typ contracts.ActionType, env contracts.Environment) bool {
			return c.Classify(contracts.Action{Type: typ, Environment: env}) == contracts.RiskCritical
		},
		destructiveTypes, envs,
	))

	properties.Property("production is never safer than development", prop.ForAll(
		func(typ contracts.ActionType) bool {
			prod := c.Classify(contracts.Action{Type: typ, Environment: contracts.EnvProduction})
			dev := c.Classify(contracts.Action{Type: typ, Environment: contracts.EnvDevelopment})
			return prod.AtLeast(dev)
		},
		allTypes,
	))

	properties.Property("unknown types never classify below known defaults", prop.ForAll(
		func(env contracts.Environment) bool {
			unknown := c.Classify(contracts.Action{Type: contracts.ActionType("mystery"), Environment: env})
			baseline := c.Classify(contracts.Action{Type: contracts.ActionRestart, Environment: env})
			return unknown.AtLeast(baseline)
		},
		envs,
	))

	properties.TestingRun(t)
}
