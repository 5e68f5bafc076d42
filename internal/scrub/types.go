package scrub

import (
	"fmt"
	"strconv"
	"time"
)

// Value is a single field value. Records carry nil for absent data, string
// for textual data, time.Time for structured timestamps, and the numeric
// kinds tabular decoders produce (int64, float64, bool).
type Value = any

// Method names accepted by mapping rules.
const (
	MethodRemapID             = "remap_id"
	MethodRemapLabel          = "remap_label"
	MethodRemapDate           = "remap_date"
	MethodRemapDatetime       = "remap_datetime"
	MethodRemapDatetimeAlways = "remap_datetime_always"
	MethodRemapDatetimeToAge  = "remap_datetime_to_age"
	MethodRedact              = "redact"
)

// Date threshold actions.
const (
	ThresholdNone  = "none"
	ThresholdWarn  = "warn"
	ThresholdRetry = "retry"
)

// Age granularities for datetime-to-age conversion.
const (
	AgeDays   = "days"
	AgeMonths = "months"
	AgeYears  = "years"
)

// Action is the transformation class a field is assigned.
type Action int

const (
	ActionPassThrough Action = iota
	ActionRedact
	ActionPreserve
	ActionApply
)

// Decision is the outcome of classifying one field name.
type Decision struct {
	Action Action
	Method string // set when Action == ActionApply
}

// MapRule binds a remapping method to the field names (literal or "re:"
// regexp patterns) it applies to. Rule order is significant: within a tier
// the first declared rule that matches a field wins.
type MapRule struct {
	Method string   `yaml:"method" mapstructure:"method"`
	Fields []string `yaml:"fields" mapstructure:"fields"`
}

// Config carries the full engine configuration. It is built
// programmatically, typically from the file configuration layer.
type Config struct {
	// PersonIDKey names the field whose value keys per-person date offsets.
	PersonIDKey string
	// BirthDatetimeKey names the field holding a person's birth datetime,
	// used as the anchor in age-conversion mode.
	BirthDatetimeKey string

	// Redact and Preserve are pattern lists evaluated before any mapping
	// rule; Redact outranks Preserve.
	Redact   []string
	Preserve []string
	// Force rules outrank Defaults; both map matched fields to a method.
	Force    []MapRule
	Defaults []MapRule
	// Aliases routes a field through another field's substitution table,
	// e.g. sibling_id through the person_id map.
	Aliases map[string]string

	// RedactWith replaces redacted values. nil drops the value entirely.
	RedactWith Value

	// RemapBase seeds ID issuance counters; 0 selects a random base.
	RemapBase int64
	// RemapBlockSize is the number of consecutive integers reserved per
	// block refill; 0 selects the default.
	RemapBlockSize int
	// PerAttributeBlocks gives every key its own ID block instead of the
	// shared pool.
	PerAttributeBlocks bool

	// WindowDays bounds the date offset draw to [-window/2, +window/2].
	WindowDays int
	// BeforeDateThreshold and AfterDateThreshold bound shifted dates;
	// ThresholdAction is one of none, warn, retry.
	BeforeDateThreshold string
	AfterDateThreshold  string
	ThresholdAction     string
	// DatetimeToAge switches the engine to age-conversion mode at the
	// given granularity (days, months, years). Empty disables.
	DatetimeToAge string

	// Seed fixes the random source; 0 seeds from the clock.
	Seed int64
	// OnWarning receives advisory warnings (threshold violations, missing
	// birth anchors). Warnings are also logged.
	OnWarning func(Warning)
}

// WarningKind classifies advisory warnings.
type WarningKind string

const (
	WarnDateThreshold          WarningKind = "date_threshold"
	WarnThresholdUnsatisfiable WarningKind = "date_threshold_unsatisfiable"
	WarnMissingBirthDatetime   WarningKind = "missing_birth_datetime"
)

// Warning describes a non-fatal condition encountered while scrubbing.
// Processing always continues past a warning.
type Warning struct {
	Kind     WarningKind `json:"kind"`
	Field    string      `json:"field,omitempty"`
	Person   string      `json:"person,omitempty"`
	Original string      `json:"original,omitempty"`
	Shifted  string      `json:"shifted,omitempty"`
	Message  string      `json:"message"`
}

// Record is an ordered field→value mapping. Field order is the order of
// first Set and survives scrubbing.
type Record struct {
	fields []string
	values map[string]Value
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]Value)}
}

// Set stores a value, appending the field to the record's order on first
// use.
func (r *Record) Set(field string, v Value) {
	if _, ok := r.values[field]; !ok {
		r.fields = append(r.fields, field)
	}
	r.values[field] = v
}

// Get returns the value for field and whether the field is present.
func (r *Record) Get(field string) (Value, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Value returns the value for field, nil if absent.
func (r *Record) Value(field string) Value {
	return r.values[field]
}

// Fields returns the record's field names in order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Clone returns a copy sharing no structure with the receiver.
func (r *Record) Clone() *Record {
	out := &Record{
		fields: make([]string, len(r.fields)),
		values: make(map[string]Value, len(r.values)),
	}
	copy(out.fields, r.fields)
	for k, v := range r.values {
		out.values[k] = v
	}
	return out
}

// canonicalString renders a value in the stable textual form used to key
// identifier tables and person offsets. The second return is false only
// for nil.
func canonicalString(v Value) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case time.Time:
		return t.Format(layoutDatetimeT), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}
