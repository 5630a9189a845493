package derived

import (
	"fmt"
	"strings"
)

// SourceDerived is the Sensor.Config["source"] tag that marks a sensor as
// derived rather than a physical node reading, mirroring
// derived_sensors.rs's SENSOR_CONFIG_SOURCE_DERIVED.
const SourceDerived = "derived"

// maxDerivedInputLagSeconds bounds how far back an input may be sampled.
const maxDerivedInputLagSeconds = 86400

// maxDerivedInputs bounds how many named inputs an expression may reference.
const maxDerivedInputs = 10

// Input is one named, optionally-lagged variable feeding a derived
// sensor's expression.
type Input struct {
	SensorID   string
	Var        string
	LagSeconds int
}

// Spec is a derived sensor's parsed configuration, before compilation.
type Spec struct {
	Expression string
	Inputs     []Input
}

// ParseSpec extracts a Spec from a Sensor.Config map, returning (nil, nil)
// when the sensor isn't marked as derived (config["source"] != "derived"),
// matching parse_derived_sensor_spec's Option-returning contract.
func ParseSpec(config map[string]any) (*Spec, error) {
	if config == nil {
		return nil, nil
	}
	source, _ := config["source"].(string)
	if source != SourceDerived {
		return nil, nil
	}

	raw, ok := config["derived"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("derived sensor requires a \"derived\" object")
	}

	expression, _ := raw["expression"].(string)
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("derived sensor requires a non-empty \"expression\"")
	}

	rawInputs, ok := raw["inputs"].([]any)
	if !ok || len(rawInputs) == 0 {
		return nil, fmt.Errorf("derived sensor requires at least 1 input")
	}
	if len(rawInputs) > maxDerivedInputs {
		return nil, fmt.Errorf("derived sensor supports at most %d inputs", maxDerivedInputs)
	}

	seenVars := make(map[string]struct{}, len(rawInputs))
	inputs := make([]Input, 0, len(rawInputs))
	for idx, ri := range rawInputs {
		m, ok := ri.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("derived sensor input #%d must be an object", idx)
		}
		sensorID, _ := m["sensor_id"].(string)
		if strings.TrimSpace(sensorID) == "" {
			return nil, fmt.Errorf("derived sensor input #%d requires a non-empty \"sensor_id\"", idx)
		}
		varName, _ := m["var"].(string)
		if !isValidVarName(varName) {
			return nil, fmt.Errorf("derived sensor input #%d requires a valid \"var\" name", idx)
		}
		if _, dup := seenVars[varName]; dup {
			return nil, fmt.Errorf("derived sensor inputs must use unique variable names (duplicate %q)", varName)
		}
		seenVars[varName] = struct{}{}

		lag := 0
		if lv, ok := m["lag_seconds"]; ok && lv != nil {
			switch n := lv.(type) {
			case float64:
				lag = int(n)
			case int:
				lag = n
			default:
				return nil, fmt.Errorf("derived sensor input #%d has a non-numeric \"lag_seconds\"", idx)
			}
		}
		if lag < -maxDerivedInputLagSeconds || lag > maxDerivedInputLagSeconds {
			return nil, fmt.Errorf("derived sensor input #%d lag_seconds out of range (abs max %d)", idx, maxDerivedInputLagSeconds)
		}

		inputs = append(inputs, Input{SensorID: sensorID, Var: varName, LagSeconds: lag})
	}

	return &Spec{Expression: expression, Inputs: inputs}, nil
}

// Compiled is a Spec with its expression parsed and baseline-validated.
type Compiled struct {
	spec Spec
	tree node
}

// Inputs returns the compiled sensor's declared inputs.
func (c *Compiled) Inputs() []Input { return c.spec.Inputs }

// Expression returns the original expression text.
func (c *Compiled) Expression() string { return c.spec.Expression }

// Compile parses spec.Expression and validates it once with every input
// variable set to 1.0, matching compile_derived_sensor's baseline check:
// an expression that is non-finite even on an all-ones input can never
// produce a usable reading and is rejected up front.
func Compile(spec Spec) (*Compiled, error) {
	tree, err := parseExpression(spec.Expression)
	if err != nil {
		return nil, fmt.Errorf("parse expression: %w", err)
	}

	baseline := make(map[string]float64, len(spec.Inputs))
	for _, in := range spec.Inputs {
		baseline[in.Var] = 1.0
	}
	v, err := tree.eval(baseline)
	if err != nil {
		return nil, fmt.Errorf("evaluate baseline expression: %w", err)
	}
	if !isFinite(v) {
		return nil, fmt.Errorf("expression evaluates to a non-finite number")
	}

	return &Compiled{spec: spec, tree: tree}, nil
}

// EvalWithVars evaluates the compiled expression against a concrete set of
// input values, one per declared Var.
func (c *Compiled) EvalWithVars(vars map[string]float64) (float64, error) {
	env := make(map[string]float64, len(c.spec.Inputs))
	for _, in := range c.spec.Inputs {
		v, ok := vars[in.Var]
		if !ok {
			return 0, fmt.Errorf("missing value for variable %q", in.Var)
		}
		env[in.Var] = v
	}
	v, err := c.tree.eval(env)
	if err != nil {
		return 0, err
	}
	if !isFinite(v) {
		return 0, fmt.Errorf("expression evaluates to a non-finite number")
	}
	return v, nil
}
