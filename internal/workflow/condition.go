package workflow

import (
	"fmt"
	"strings"

	"github.com/pitabwire/stepflow/internal/steps"
	"github.com/pitabwire/stepflow/model"
)

// evaluate decides a condition against the loaded object or the run
// parameters. Leaf comparisons use the string form of both sides.
func evaluate(c *model.Condition, factory model.ObjectFactory, data any, params model.Parameters) (bool, error) {
	if c == nil {
		return false, model.NewEngineError(model.ErrInvalidVariable, "condition is missing")
	}

	switch c.Type {
	case model.CondAnd:
		for i := range c.Conditions {
			ok, err := evaluate(&c.Conditions[i], factory, data, params)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case model.CondOr:
		for i := range c.Conditions {
			ok, err := evaluate(&c.Conditions[i], factory, data, params)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case model.CondNot:
		if len(c.Conditions) != 1 {
			return false, model.NewEngineError(model.ErrInvalidVariable,
				fmt.Sprintf("not condition takes one operand, got %d", len(c.Conditions)))
		}
		ok, err := evaluate(&c.Conditions[0], factory, data, params)
		return !ok, err
	}

	v, err := variable(c, factory, data, params)
	if err != nil {
		return false, err
	}

	switch c.Type {
	case model.CondNull:
		return v == nil, nil
	case model.CondTrue:
		switch b := v.(type) {
		case bool:
			return b, nil
		case nil:
			return false, nil
		default:
			return strings.EqualFold(stringify(b), "true"), nil
		}
	case model.CondEquals:
		return v != nil && stringify(v) == stringify(c.Value), nil
	case model.CondIn:
		if v == nil {
			return false, nil
		}
		s := stringify(v)
		for _, candidate := range c.Values {
			if s == stringify(candidate) {
				return true, nil
			}
		}
		return false, nil
	case model.CondStartsWith:
		return v != nil && strings.HasPrefix(stringify(v), stringify(c.Value)), nil
	case model.CondEndsWith:
		return v != nil && strings.HasSuffix(stringify(v), stringify(c.Value)), nil
	default:
		return false, model.NewEngineError(model.ErrInvalidVariable,
			fmt.Sprintf("unknown condition type %q", c.Type))
	}
}

func variable(c *model.Condition, factory model.ObjectFactory, data any, params model.Parameters) (any, error) {
	if c.FromParameters {
		return steps.ResolvePath(params, c.Variable)
	}
	return factory.Variable(c.Variable, data)
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
