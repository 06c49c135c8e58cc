package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stepflow/internal/steps"
	"github.com/pitabwire/stepflow/model"
)

func TestEvaluate(t *testing.T) {
	factory := &steps.MapFactory{}
	data := map[string]any{
		"status":   "open",
		"amount":   120,
		"approved": true,
		"customer": map[string]any{"email": "alice@example.com", "tier": nil},
	}
	params := model.Parameters{"channel": "web"}

	leaf := func(typ model.ConditionType, variable string, value any) model.Condition {
		return model.Condition{Type: typ, Variable: variable, Value: value}
	}

	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{name: "equals", cond: leaf(model.CondEquals, "status", "open"), want: true},
		{name: "equals number as text", cond: leaf(model.CondEquals, "amount", "120"), want: true},
		{name: "equals missing", cond: leaf(model.CondEquals, "missing", ""), want: false},
		{name: "null nested", cond: leaf(model.CondNull, "customer.tier", nil), want: true},
		{name: "null present", cond: leaf(model.CondNull, "status", nil), want: false},
		{name: "true bool", cond: leaf(model.CondTrue, "approved", nil), want: true},
		{name: "true string", cond: leaf(model.CondTrue, "status", nil), want: false},
		{name: "starts with", cond: leaf(model.CondStartsWith, "customer.email", "alice"), want: true},
		{name: "ends with", cond: leaf(model.CondEndsWith, "customer.email", ".org"), want: false},
		{
			name: "in",
			cond: model.Condition{Type: model.CondIn, Variable: "status", Values: []any{"closed", "open"}},
			want: true,
		},
		{
			name: "from parameters",
			cond: model.Condition{Type: model.CondEquals, Variable: "channel", Value: "web", FromParameters: true},
			want: true,
		},
		{
			name: "and",
			cond: model.Condition{Type: model.CondAnd, Conditions: []model.Condition{
				leaf(model.CondEquals, "status", "open"),
				leaf(model.CondTrue, "approved", nil),
			}},
			want: true,
		},
		{
			name: "or",
			cond: model.Condition{Type: model.CondOr, Conditions: []model.Condition{
				leaf(model.CondEquals, "status", "closed"),
				leaf(model.CondNull, "customer.tier", nil),
			}},
			want: true,
		},
		{
			name: "not",
			cond: model.Condition{Type: model.CondNot, Conditions: []model.Condition{
				leaf(model.CondEquals, "status", "open"),
			}},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluate(&tt.cond, factory, data, params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_invalid(t *testing.T) {
	factory := &steps.MapFactory{}
	data := map[string]any{"status": "open"}

	tests := []struct {
		name string
		cond *model.Condition
	}{
		{name: "missing", cond: nil},
		{name: "unknown type", cond: &model.Condition{Type: "regex", Variable: "status"}},
		{name: "path through scalar", cond: &model.Condition{Type: model.CondNull, Variable: "status.inner"}},
		{name: "empty path", cond: &model.Condition{Type: model.CondNull}},
		{name: "not arity", cond: &model.Condition{Type: model.CondNot}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluate(tt.cond, factory, data, model.Parameters{})
			assert.True(t, model.IsCode(err, model.ErrInvalidVariable), "error = %v", err)
		})
	}
}
