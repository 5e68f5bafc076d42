package scrub

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Scrubber applies the configured transformations record by record,
// mutating only its own crosswalk state. It is single-writer by design:
// one Scrubber serves one record stream, and callers that must share it
// across goroutines serialize access themselves.
type Scrubber struct {
	classifier *Classifier
	remapper   *Remapper
	shifter    *DateShifter
	cw         *Crosswalk
	aliases    map[string]string
	redactWith Value
	logger     *zap.Logger
	onWarning  func(Warning)
}

// New builds a Scrubber from cfg with an empty crosswalk. A nil logger
// disables logging.
func New(cfg *Config, log *zap.Logger) (*Scrubber, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PersonIDKey == "" {
		return nil, fmt.Errorf("person_id_key must be configured")
	}

	classifier, err := NewClassifier(cfg)
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	cw, err := newCrosswalk(cfg, rng)
	if err != nil {
		return nil, err
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	s := &Scrubber{
		classifier: classifier,
		cw:         cw,
		aliases:    aliases,
		redactWith: cfg.RedactWith,
		logger:     log,
		onWarning:  cfg.OnWarning,
	}
	s.remapper = &Remapper{cw: cw, rng: rng}
	s.shifter = &DateShifter{cw: cw, rng: rng, warn: s.emitWarning}

	return s, nil
}

// Scrub returns the de-identified copy of rec. The input record is never
// modified; field order carries over to the output.
func (s *Scrubber) Scrub(rec *Record) (*Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot scrub a nil record")
	}
	out := NewRecord()
	for _, field := range rec.fields {
		switch decision := s.classifier.Classify(field); decision.Action {
		case ActionRedact:
			out.Set(field, s.redactWith)
		case ActionPreserve, ActionPassThrough:
			out.Set(field, rec.values[field])
		case ActionApply:
			v, err := s.apply(decision.Method, rec, field)
			if err != nil {
				return nil, err
			}
			out.Set(field, v)
		}
	}
	return out, nil
}

// apply dispatches one field to the method its rule named. Aliased fields
// draw from their target's substitution table so values shared across
// fields stay referentially consistent.
func (s *Scrubber) apply(method string, rec *Record, field string) (Value, error) {
	key := field
	if target, ok := s.aliases[field]; ok {
		key = target
	}
	switch method {
	case MethodRedact:
		return s.redactWith, nil
	case MethodRemapID:
		return s.remapper.RemapID(key, rec.Value(field)), nil
	case MethodRemapLabel:
		return s.remapper.RemapLabel(key, rec.Value(field)), nil
	case MethodRemapDate:
		return s.shifter.RemapDate(rec, field, nil)
	case MethodRemapDatetime:
		return s.shifter.RemapDatetime(rec, field, nil)
	case MethodRemapDatetimeAlways:
		return s.shifter.RemapDatetimeAlways(rec, field, nil)
	case MethodRemapDatetimeToAge:
		return s.shifter.RemapDatetimeToAge(rec, field, nil)
	default:
		return nil, fmt.Errorf("field %s: unknown remapping method %s", field, method)
	}
}

func (s *Scrubber) emitWarning(w Warning) {
	s.logger.Warn(w.Message,
		zap.String("kind", string(w.Kind)),
		zap.String("field", w.Field),
		zap.String("person", w.Person),
		zap.String("original", w.Original),
		zap.String("shifted", w.Shifted),
	)
	if s.onWarning != nil {
		s.onWarning(w)
	}
}

// SetWarningHook replaces the warning callback configured at
// construction. Pass nil to clear it.
func (s *Scrubber) SetWarningHook(fn func(Warning)) {
	s.onWarning = fn
}

// ReloadRules replaces the classification rules, aliases, and redaction
// value without touching crosswalk state. ID-issuance and date-shift
// settings are state-bearing and keep their original configuration.
func (s *Scrubber) ReloadRules(cfg *Config) error {
	classifier, err := NewClassifier(cfg)
	if err != nil {
		return err
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	s.classifier = classifier
	s.aliases = aliases
	s.redactWith = cfg.RedactWith
	return nil
}

// Remapper exposes the identifier remapper for callers driving it
// directly.
func (s *Scrubber) Remapper() *Remapper {
	return s.remapper
}

// Shifter exposes the date-shift engine for callers driving it directly.
func (s *Scrubber) Shifter() *DateShifter {
	return s.shifter
}

// SaveState serializes the crosswalk to w.
func (s *Scrubber) SaveState(w io.Writer) error {
	return s.cw.Save(w)
}

// LoadState replaces the crosswalk with a previously saved snapshot.
// Classifier rules are configuration, not state; they are unaffected.
func (s *Scrubber) LoadState(r io.Reader) error {
	return s.cw.Load(r)
}

// StateSummary describes the crosswalk without exposing its contents.
type StateSummary struct {
	PersonIDKey   string         `json:"person_id_key"`
	Persons       int            `json:"persons"`
	MappingCounts map[string]int `json:"id_map_sizes"`
	WindowDays    int            `json:"datetime_window_days"`
	AgeMode       bool           `json:"age_mode"`
}

// Summary reports the current crosswalk shape.
func (s *Scrubber) Summary() StateSummary {
	return StateSummary{
		PersonIDKey:   s.cw.personIDKey,
		Persons:       s.cw.Persons(),
		MappingCounts: s.cw.MappingCounts(),
		WindowDays:    s.cw.windowDays,
		AgeMode:       s.cw.ageMode(),
	}
}
