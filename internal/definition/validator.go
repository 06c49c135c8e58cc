package definition

import (
	"fmt"

	"github.com/pitabwire/stepflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// StepCatalog is the read side of the step and factory registries.
type StepCatalog interface {
	LookupStep(name string) (model.Step, bool)
	HasFactory(name string) bool
}

// Validator validates definitions structurally and, when a catalog is
// supplied, against the registered steps and factories.
type Validator struct {
	catalog StepCatalog
}

// NewValidator creates a Validator. catalog may be nil to skip reference
// checks.
func NewValidator(catalog StepCatalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate checks every definition and returns all problems found.
func (v *Validator) Validate(defs []*model.ProcessDefinition) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.ValidateOne(prefix, def)...)

		key := def.TenantID + "/" + def.ID
		if first, dup := seen[key]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    "DUPLICATE_ID",
				Message: fmt.Sprintf("definition %q already declared in %s", def.ID, first),
			})
		} else {
			seen[key] = def.SourceFile
		}
	}
	return errs
}

var validKinds = map[model.StepKind]bool{
	model.KindTask: true, model.KindCondition: true, model.KindGoto: true,
	model.KindRestart: true, model.KindYield: true, model.KindSetParameters: true,
}

// ValidateOne checks a single definition.
func (v *Validator) ValidateOne(prefix string, def *model.ProcessDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Mode != "" && !def.Mode.Valid() {
		errs = append(errs, VError{Path: prefix + ".mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid mode %q", def.Mode)})
	}
	if def.LockTimeout < 0 {
		errs = append(errs, VError{Path: prefix + ".lock_timeout", Code: "RANGE", Message: "lock_timeout must not be negative"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}
	if v.catalog != nil && def.FactoryName != "" && !v.catalog.HasFactory(def.FactoryName) {
		errs = append(errs, VError{
			Path:    prefix + ".factory",
			Code:    model.ErrFactoryNotFound,
			Message: fmt.Sprintf("object factory %q is not registered", def.FactoryName),
		})
	}

	labels := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.Label == "" {
			errs = append(errs, VError{Path: sp + ".label", Code: model.ErrNoLabel, Message: "label is required"})
			continue
		}
		if labels[s.Label] {
			errs = append(errs, VError{Path: sp + ".label", Code: "DUPLICATE_LABEL", Message: fmt.Sprintf("label %q is declared more than once", s.Label)})
		}
		labels[s.Label] = true
	}

	for i, s := range def.Steps {
		errs = append(errs, v.validateStep(fmt.Sprintf("%s.steps[%d]", prefix, i), s, def, labels)...)
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.StepConfig, def *model.ProcessDefinition, labels map[string]bool) []VError {
	var errs []VError

	kind := s.EffectiveKind()
	if !validKinds[kind] {
		return append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid kind %q", s.Kind)})
	}

	switch kind {
	case model.KindTask:
		if s.Step == "" {
			errs = append(errs, VError{Path: prefix + ".step", Code: "REQUIRED", Message: "step is required for task"})
			break
		}
		errs = append(errs, v.validateStepRef(prefix, s, def)...)
	case model.KindGoto:
		if s.Target == "" {
			errs = append(errs, VError{Path: prefix + ".target", Code: "REQUIRED", Message: "target is required for goto"})
		} else if !labels[s.Target] {
			errs = append(errs, VError{
				Path:    prefix + ".target",
				Code:    model.ErrLabelNotFound,
				Message: fmt.Sprintf("goto target %q is not a step label", s.Target),
			})
		}
	case model.KindYield:
		if s.Wait < 0 {
			errs = append(errs, VError{Path: prefix + ".wait", Code: "RANGE", Message: "wait must not be negative"})
		}
	case model.KindCondition:
		if s.Condition == nil {
			errs = append(errs, VError{Path: prefix + ".condition", Code: "REQUIRED", Message: "condition is required"})
		} else {
			errs = append(errs, validateCondition(prefix+".condition", *s.Condition)...)
		}
		for i, n := range s.Then {
			errs = append(errs, v.validateStep(fmt.Sprintf("%s.then[%d]", prefix, i), n, def, labels)...)
		}
		for i, n := range s.Else {
			errs = append(errs, v.validateStep(fmt.Sprintf("%s.else[%d]", prefix, i), n, def, labels)...)
		}
	}

	return errs
}

// validateStepRef checks the step exists and that its factory is
// compatible with the definition's.
func (v *Validator) validateStepRef(prefix string, s model.StepConfig, def *model.ProcessDefinition) []VError {
	if s.FactoryName != "" && def.FactoryName != "" && s.FactoryName != def.FactoryName {
		return []VError{{
			Path:    prefix + ".factory",
			Code:    model.ErrFactoryMismatch,
			Message: fmt.Sprintf("step declares factory %q but definition uses %q", s.FactoryName, def.FactoryName),
		}}
	}
	if v.catalog == nil {
		return nil
	}

	step, ok := v.catalog.LookupStep(s.Step)
	if !ok {
		return []VError{{
			Path:    prefix + ".step",
			Code:    model.ErrStepNotFound,
			Message: fmt.Sprintf("step %q is not registered", s.Step),
		}}
	}
	if name, typed := step.FactoryName(); typed && name != def.FactoryName {
		return []VError{{
			Path:    prefix + ".step",
			Code:    model.ErrFactoryMismatch,
			Message: fmt.Sprintf("step %q expects factory %q, definition uses %q", s.Step, name, def.FactoryName),
		}}
	}
	return nil
}

func validateCondition(prefix string, c model.Condition) []VError {
	var errs []VError
	switch c.Type {
	case model.CondEquals, model.CondStartsWith, model.CondEndsWith:
		if c.Variable == "" {
			errs = append(errs, VError{Path: prefix + ".variable", Code: "REQUIRED", Message: "variable is required"})
		}
	case model.CondIn:
		if c.Variable == "" {
			errs = append(errs, VError{Path: prefix + ".variable", Code: "REQUIRED", Message: "variable is required"})
		}
		if len(c.Values) == 0 {
			errs = append(errs, VError{Path: prefix + ".values", Code: "REQUIRED", Message: "values are required for in"})
		}
	case model.CondNull, model.CondTrue:
		if c.Variable == "" {
			errs = append(errs, VError{Path: prefix + ".variable", Code: "REQUIRED", Message: "variable is required"})
		}
	case model.CondAnd, model.CondOr:
		if len(c.Conditions) == 0 {
			errs = append(errs, VError{Path: prefix + ".conditions", Code: "REQUIRED", Message: "at least one nested condition is required"})
		}
	case model.CondNot:
		if len(c.Conditions) != 1 {
			errs = append(errs, VError{Path: prefix + ".conditions", Code: "RANGE", Message: "not takes exactly one nested condition"})
		}
	default:
		return append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid condition type %q", c.Type)})
	}
	for i, n := range c.Conditions {
		errs = append(errs, validateCondition(fmt.Sprintf("%s.conditions[%d]", prefix, i), n)...)
	}
	return errs
}

// AsError converts validation errors to a VALIDATION_ERROR envelope, or nil
// when there are none.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}
