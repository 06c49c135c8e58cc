package model

import "time"

// SerializationMode controls which runs of a definition may overlap.
type SerializationMode string

// Serialization modes.
const (
	// ModePerObject allows concurrent runs on different objects.
	ModePerObject SerializationMode = "PER_OBJECT"
	// ModeExclusive allows at most one run of the definition at a time.
	ModeExclusive SerializationMode = "EXCLUSIVE"
)

// Valid reports whether m is a known mode.
func (m SerializationMode) Valid() bool {
	return m == ModePerObject || m == ModeExclusive
}

// StepKind selects how the runner interprets a StepConfig.
type StepKind string

// Step kinds.
const (
	KindTask          StepKind = "task"
	KindCondition     StepKind = "condition"
	KindGoto          StepKind = "goto"
	KindRestart       StepKind = "restart"
	KindYield         StepKind = "yield"
	KindSetParameters StepKind = "set_parameters"
)

// ConditionType selects how a Condition is evaluated.
type ConditionType string

// Condition types.
const (
	CondEquals     ConditionType = "equals"
	CondIn         ConditionType = "in"
	CondNull       ConditionType = "null"
	CondTrue       ConditionType = "true"
	CondStartsWith ConditionType = "starts_with"
	CondEndsWith   ConditionType = "ends_with"
	CondAnd        ConditionType = "and"
	CondOr         ConditionType = "or"
	CondNot        ConditionType = "not"
)

// ProcessDefinition is an ordered list of labeled steps bound to one object
// factory.
type ProcessDefinition struct {
	ID                       string            `yaml:"id"                           json:"id"`
	TenantID                 string            `yaml:"tenant_id"                    json:"tenant_id,omitempty"`
	Name                     string            `yaml:"name"                         json:"name,omitempty"`
	FactoryName              string            `yaml:"factory"                      json:"factory,omitempty"`
	Mode                     SerializationMode `yaml:"mode"                         json:"mode"`
	Active                   bool              `yaml:"active"                       json:"active"`
	Version                  string            `yaml:"version"                      json:"version,omitempty"`
	AlwaysRestartAtFirstStep bool              `yaml:"always_restart_at_first_step" json:"always_restart_at_first_step,omitempty"`
	LockTimeout              time.Duration     `yaml:"lock_timeout"                 json:"lock_timeout,omitempty"`
	InitialParameters        map[string]any    `yaml:"initial_parameters"           json:"initial_parameters,omitempty"`
	Steps                    []StepConfig      `yaml:"steps"                        json:"steps"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"checksum,omitempty"`
	// SourceFile records the originating file path.
	SourceFile string    `yaml:"-" json:"-"`
	UpdatedAt  time.Time `yaml:"-" json:"updated_at,omitempty"`
}

// EffectiveMode returns the serialization mode, defaulting to PER_OBJECT.
func (d *ProcessDefinition) EffectiveMode() SerializationMode {
	if d.Mode == "" {
		return ModePerObject
	}
	return d.Mode
}

// IndexOf returns the position of the top-level step with the given label.
func (d *ProcessDefinition) IndexOf(label string) int {
	for i := range d.Steps {
		if d.Steps[i].Label == label {
			return i
		}
	}
	return -1
}

// FirstLabel returns the label of the first step, or "" for an empty
// definition.
func (d *ProcessDefinition) FirstLabel() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].Label
}

// Clone returns a deep enough copy for copy-on-write updates: the step slice
// and parameter maps are not shared.
func (d *ProcessDefinition) Clone() *ProcessDefinition {
	c := *d
	c.Steps = append([]StepConfig(nil), d.Steps...)
	if d.InitialParameters != nil {
		c.InitialParameters = Parameters(d.InitialParameters).Clone()
	}
	return &c
}

// StepConfig is one entry of a definition. Nested Then/Else lists belong to
// condition steps and are not addressable by label.
type StepConfig struct {
	Label       string         `yaml:"label"      json:"label,omitempty"`
	Kind        StepKind       `yaml:"kind"       json:"kind,omitempty"`
	Step        string         `yaml:"step"       json:"step,omitempty"`
	FactoryName string         `yaml:"factory"    json:"factory,omitempty"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	Condition   *Condition     `yaml:"condition"  json:"condition,omitempty"`
	Then        []StepConfig   `yaml:"then"       json:"then,omitempty"`
	Else        []StepConfig   `yaml:"else"       json:"else,omitempty"`
	Target      string         `yaml:"target"     json:"target,omitempty"`
	Wait        time.Duration  `yaml:"wait"       json:"wait,omitempty"`
}

// EffectiveKind returns the kind, defaulting to task.
func (s *StepConfig) EffectiveKind() StepKind {
	if s.Kind == "" {
		return KindTask
	}
	return s.Kind
}

// Condition is a predicate over the loaded object or the run parameters.
type Condition struct {
	Type           ConditionType `yaml:"type"            json:"type"`
	Variable       string        `yaml:"variable"        json:"variable,omitempty"`
	Value          any           `yaml:"value"           json:"value,omitempty"`
	Values         []any         `yaml:"values"          json:"values,omitempty"`
	FromParameters bool          `yaml:"from_parameters" json:"from_parameters,omitempty"`
	Conditions     []Condition   `yaml:"conditions"      json:"conditions,omitempty"`
}
