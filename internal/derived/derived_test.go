package derived

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecReturnsNilForNonDerivedSensor(t *testing.T) {
	spec, err := ParseSpec(map[string]any{"source": "mqtt"})
	require.NoError(t, err)
	assert.Nil(t, spec)

	spec, err = ParseSpec(nil)
	require.NoError(t, err)
	assert.Nil(t, spec)
}

func TestParseValidDerivedSpecDefaultsLagToZero(t *testing.T) {
	config := map[string]any{
		"source": "derived",
		"derived": map[string]any{
			"expression": "a + b",
			"inputs": []any{
				map[string]any{"sensor_id": "s1", "var": "a"},
				map[string]any{"sensor_id": "s2", "var": "b"},
			},
		},
	}
	spec, err := ParseSpec(config)
	require.NoError(t, err)
	require.NotNil(t, spec)
	require.Len(t, spec.Inputs, 2)
	assert.Equal(t, 0, spec.Inputs[0].LagSeconds)
	assert.Equal(t, 0, spec.Inputs[1].LagSeconds)
}

func TestParseDerivedSpecAllowsLagSeconds(t *testing.T) {
	config := map[string]any{
		"source": "derived",
		"derived": map[string]any{
			"expression": "a + b",
			"inputs": []any{
				map[string]any{"sensor_id": "s1", "var": "a", "lag_seconds": 60.0},
				map[string]any{"sensor_id": "s2", "var": "b", "lag_seconds": -300.0},
			},
		},
	}
	spec, err := ParseSpec(config)
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, 60, spec.Inputs[0].LagSeconds)
	assert.Equal(t, -300, spec.Inputs[1].LagSeconds)
}

func TestParseDerivedSpecRejectsDuplicateVarNames(t *testing.T) {
	config := map[string]any{
		"source": "derived",
		"derived": map[string]any{
			"expression": "a + a",
			"inputs": []any{
				map[string]any{"sensor_id": "s1", "var": "a"},
				map[string]any{"sensor_id": "s2", "var": "a"},
			},
		},
	}
	_, err := ParseSpec(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate "a"`)
}

func TestParseDerivedSpecRejectsOutOfRangeLag(t *testing.T) {
	config := map[string]any{
		"source": "derived",
		"derived": map[string]any{
			"expression": "a",
			"inputs": []any{
				map[string]any{"sensor_id": "s1", "var": "a", "lag_seconds": 200000.0},
			},
		},
	}
	_, err := ParseSpec(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lag_seconds out of range")
}

func TestCompileAndEvalWithFunctions(t *testing.T) {
	spec := Spec{
		Expression: "round(clamp(a + b, 0, 10), 2)",
		Inputs: []Input{
			{SensorID: "s1", Var: "a"},
			{SensorID: "s2", Var: "b"},
		},
	}
	compiled, err := Compile(spec)
	require.NoError(t, err)

	v, err := compiled.EvalWithVars(map[string]float64{"a": 4, "b": 9})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, v, 1e-9)
}

func TestCompileAndEvalWithExtendedFunctions(t *testing.T) {
	spec := Spec{
		Expression: "sqrt(pow(a, 2) + pow(b, 2))",
		Inputs: []Input{
			{SensorID: "s1", Var: "a"},
			{SensorID: "s2", Var: "b"},
		},
	}
	compiled, err := Compile(spec)
	require.NoError(t, err)

	v, err := compiled.EvalWithVars(map[string]float64{"a": 3, "b": 4})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v, 1e-9)
}

func TestEvalIfAndLog(t *testing.T) {
	spec := Spec{
		Expression: "round(if(a, log10(100), 0), 4)",
		Inputs:     []Input{{SensorID: "s1", Var: "a"}},
	}
	compiled, err := Compile(spec)
	require.NoError(t, err)

	v, err := compiled.EvalWithVars(map[string]float64{"a": 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, v, 1e-9)

	v, err = compiled.EvalWithVars(map[string]float64{"a": 1})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 1e-9)
}

func TestCompileRejectsNonFiniteBaseline(t *testing.T) {
	spec := Spec{
		Expression: "ln(a - 1)",
		Inputs:     []Input{{SensorID: "s1", Var: "a"}},
	}
	_, err := Compile(spec)
	require.Error(t, err)
}

func TestCompileRejectsEmptyExpression(t *testing.T) {
	_, err := Compile(Spec{Expression: "", Inputs: []Input{{SensorID: "s1", Var: "a"}}})
	require.Error(t, err)
}

func TestEvalWithVarsReportsMissingVariable(t *testing.T) {
	spec := Spec{Expression: "a + b", Inputs: []Input{{SensorID: "s1", Var: "a"}, {SensorID: "s2", Var: "b"}}}
	compiled, err := Compile(spec)
	require.NoError(t, err)

	_, err = compiled.EvalWithVars(map[string]float64{"a": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing value for variable "b"`)
}

func TestIsValidVarName(t *testing.T) {
	assert.True(t, isValidVarName("a"))
	assert.True(t, isValidVarName("_abc123"))
	assert.False(t, isValidVarName(""))
	assert.False(t, isValidVarName("1abc"))
	assert.False(t, isValidVarName("a-b"))
}
