// Package contracts defines the shared data model of the action safety
// pipeline: proposed actions, risk levels, policy decisions, snapshots,
// approval requests, and the ActionRecord aggregate that threads one
// action's lifecycle from submission to a terminal state.
package contracts

import "time"

// Action is a proposed change to live infrastructure, produced by an
// upstream decision-maker. Immutable once created.
type Action struct {
	ID          string         `json:"id"`
	Type        ActionType     `json:"type"`
	Resource    string         `json:"resource"`
	Environment Environment    `json:"environment"`
	Params      map[string]any `json:"params,omitempty"`
	AgentID     string         `json:"agent_id"`
	Team        string         `json:"team,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// ActionType identifies the kind of change being proposed. The set is
// open: unrecognized types are classified toward caution, never rejected
// outright.
type ActionType string

const (
	ActionRestart            ActionType = "restart"
	ActionRestartPod         ActionType = "restart_pod"
	ActionScale              ActionType = "scale"
	ActionScaleDown          ActionType = "scale_down"
	ActionRollbackDeployment ActionType = "rollback_deployment"
	ActionRotateCredential   ActionType = "rotate_credential"
	ActionDrainNode          ActionType = "drain_node"
	ActionDeleteNamespace    ActionType = "delete_namespace"
	ActionModifyNetworkPol   ActionType = "modify_network_policy"
	ActionModifyIAM          ActionType = "modify_iam"
)

// Environment is the deployment tier the action targets.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}
