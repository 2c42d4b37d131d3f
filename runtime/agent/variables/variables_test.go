package variables

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestValidateInputsCollectsEveryViolation(t *testing.T) {
	metas := []Meta{
		{Name: "region", Type: TypeString, Required: true},
		{Name: "count", Type: TypeInt, Min: f64(1), Max: f64(10)},
		{Name: "ratio", Type: TypeFloat, Max: f64(1)},
		{Name: "tag", Type: TypeString, Pattern: `^[a-z]+$`},
	}
	_, err := ValidateInputs(metas, map[string]any{
		"count": 42,
		"ratio": 1.5,
		"tag":   "Nope!",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 4)
	names := make([]string, len(verr.Fields))
	for i, f := range verr.Fields {
		names[i] = f.Name
	}
	require.ElementsMatch(t, []string{"region", "count", "ratio", "tag"}, names)
}

func TestValidateInputsAppliesDefaults(t *testing.T) {
	metas := []Meta{
		{Name: "limit", Type: TypeInt, Required: true, Default: 5},
		{Name: "mode", Type: TypeString, Default: "fast"},
	}
	got, err := ValidateInputs(metas, nil)
	require.NoError(t, err)
	require.Equal(t, 5, got["limit"])
	require.Equal(t, "fast", got["mode"])
}

func TestValidateInputsCoercesIntegralFloats(t *testing.T) {
	metas := []Meta{{Name: "count", Type: TypeInt}}
	got, err := ValidateInputs(metas, map[string]any{"count": float64(3)})
	require.NoError(t, err)
	require.Equal(t, 3, got["count"])

	_, err = ValidateInputs(metas, map[string]any{"count": 3.5})
	require.Error(t, err)
}

func TestValidateInputsAllowedValues(t *testing.T) {
	metas := []Meta{{Name: "tier", Type: TypeString, AllowedValues: []any{"fast", "slow"}}}
	_, err := ValidateInputs(metas, map[string]any{"tier": "medium"})
	require.Error(t, err)
	got, err := ValidateInputs(metas, map[string]any{"tier": "slow"})
	require.NoError(t, err)
	require.Equal(t, "slow", got["tier"])
}

func TestValidateInputsObjectSchema(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["channel"],"properties":{"channel":{"type":"string"}}}`)
	metas := []Meta{{Name: "target", Type: TypeObject, Schema: schema}}

	got, err := ValidateInputs(metas, map[string]any{"target": map[string]any{"channel": "email"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"channel": "email"}, got["target"])

	_, err = ValidateInputs(metas, map[string]any{"target": map[string]any{"other": 1}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
}

func TestCoerceDefaultsLeavesPresentValues(t *testing.T) {
	metas := []Meta{
		{Name: "mode", Type: TypeString, Default: "fast"},
		{Name: "count", Type: TypeInt, Default: 3},
	}
	got := CoerceDefaults(metas, map[string]any{"mode": "slow"})
	require.Equal(t, "slow", got["mode"])
	require.Equal(t, 3, got["count"])
}

func TestMergeReportsCollisions(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.DefineGlobal(Meta{Name: "brand", Type: TypeString}))
	require.NoError(t, reg.DefineGlobal(Meta{Name: "locale", Type: TypeString}))

	_, err := reg.Merge([]Meta{
		{Name: "brand", Type: TypeString},
		{Name: "locale", Type: TypeString},
		{Name: "budget", Type: TypeInt},
	})
	require.ErrorIs(t, err, ErrVariableCollision)
	require.Contains(t, err.Error(), "brand")
	require.Contains(t, err.Error(), "locale")
}

func TestMergeCombinesGlobalsAndAgentVars(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.DefineGlobal(Meta{Name: "brand", Type: TypeString}))
	merged, err := reg.Merge([]Meta{{Name: "budget", Type: TypeInt}})
	require.NoError(t, err)
	require.Len(t, merged, 2)
}

func TestDefineGlobalRejectsUnknownType(t *testing.T) {
	reg := NewRegistry()
	err := reg.DefineGlobal(Meta{Name: "x", Type: "decimal"})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrVariableCollision))
}
