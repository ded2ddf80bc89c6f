package contracts

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParamValidator validates action parameter maps against per-action-type
// JSON Schemas. Types without a registered schema pass unchecked; a
// registered schema is enforced strictly at submission, before any
// record is created.
type ParamValidator struct {
	schemas map[ActionType]*jsonschema.Schema
}

// NewParamValidator creates an empty validator.
func NewParamValidator() *ParamValidator {
	return &ParamValidator{schemas: make(map[ActionType]*jsonschema.Schema)}
}

// Register compiles and installs a Draft 2020-12 schema for one action type.
func (v *ParamValidator) Register(t ActionType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://opsentry.schemas.local/actions/%s.schema.json", t)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("param schema load failed for %s: %w", t, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("param schema compile failed for %s: %w", t, err)
	}
	v.schemas[t] = compiled
	return nil
}

// Validate checks the action's params against its type's schema, if any.
func (v *ParamValidator) Validate(a Action) error {
	schema, ok := v.schemas[a.Type]
	if !ok {
		return nil
	}
	params := a.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(params); err != nil {
		return fmt.Errorf("%w: params for %s: %v", ErrInvalidAction, a.Type, err)
	}
	return nil
}
