package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scaleSchema = `{
	"type": "object",
	"required": ["replicas"],
	"properties": {
		"replicas": {"type": "integer", "minimum": 0, "maximum": 100}
	}
}`

func TestParamValidator(t *testing.T) {
	v := NewParamValidator()
	require.NoError(t, v.Register(ActionScale, scaleSchema))

	err := v.Validate(Action{Type: ActionScale, Params: map[string]any{"replicas": 3.0}})
	assert.NoError(t, err)

	err = v.Validate(Action{Type: ActionScale, Params: map[string]any{"replicas": "three"}})
	assert.ErrorIs(t, err, ErrInvalidAction)

	err = v.Validate(Action{Type: ActionScale})
	assert.ErrorIs(t, err, ErrInvalidAction, "required field missing")

	// Types without a schema pass unchecked.
	assert.NoError(t, v.Validate(Action{Type: ActionRestart, Params: map[string]any{"anything": true}}))
}

func TestParamValidatorRejectsBadSchema(t *testing.T) {
	v := NewParamValidator()
	assert.Error(t, v.Register(ActionScale, `{"type": 42}`))
}
