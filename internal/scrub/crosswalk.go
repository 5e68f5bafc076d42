package scrub

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"time"
)

const (
	defaultBlockSize  = 100
	defaultWindowDays = 366

	// Range for a randomly chosen issuance base when none is configured.
	randomBaseMin = 1_000_000
	randomBaseMax = 10_000_000
)

// Crosswalk is the mutable state behind a scrubbing run: every assigned
// identifier substitution, the ID issuance counters, and every person's
// date offset or age anchor, together with the settings needed to
// reproduce remapping behavior. It is exclusively owned by one Scrubber
// and is the sensitive artifact of a run: disclosing it allows exact
// reversal of the substitutions.
type Crosswalk struct {
	personIDKey      string
	birthDatetimeKey string

	idMap              map[string]map[string]int64
	idCounters         map[string]int64
	remapBase          int64
	blockSize          int
	perAttributeBlocks bool

	offsets map[string]Offset
	anchors map[string]time.Time

	windowDays      int
	rawBefore       string
	rawAfter        string
	beforeThreshold time.Time
	afterThreshold  time.Time
	thresholdAction string
	ageGranularity  string

	// blocks holds reserved-but-unassigned substitute candidates. Blocks
	// are deliberately not persisted: counters already sit past every
	// reserved range, so a reloaded state issues fresh values correctly.
	blocks map[string][]int64
}

func newCrosswalk(cfg *Config, rng *rand.Rand) (*Crosswalk, error) {
	action := cfg.ThresholdAction
	if action == "" {
		action = ThresholdNone
	}
	switch action {
	case ThresholdNone, ThresholdWarn, ThresholdRetry:
	default:
		return nil, fmt.Errorf("invalid date threshold action %q", cfg.ThresholdAction)
	}
	switch cfg.DatetimeToAge {
	case "", AgeDays, AgeMonths, AgeYears:
	default:
		return nil, fmt.Errorf("invalid datetime_to_age granularity %q", cfg.DatetimeToAge)
	}

	before, err := parseThreshold(cfg.BeforeDateThreshold)
	if err != nil {
		return nil, fmt.Errorf("before_date_threshold: %w", err)
	}
	after, err := parseThreshold(cfg.AfterDateThreshold)
	if err != nil {
		return nil, fmt.Errorf("after_date_threshold: %w", err)
	}

	base := cfg.RemapBase
	if base == 0 {
		base = randomBaseMin + rng.Int63n(randomBaseMax-randomBaseMin)
	}
	blockSize := cfg.RemapBlockSize
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	window := cfg.WindowDays
	if window <= 0 {
		window = defaultWindowDays
	}

	return &Crosswalk{
		personIDKey:        cfg.PersonIDKey,
		birthDatetimeKey:   cfg.BirthDatetimeKey,
		idMap:              make(map[string]map[string]int64),
		idCounters:         make(map[string]int64),
		remapBase:          base,
		blockSize:          blockSize,
		perAttributeBlocks: cfg.PerAttributeBlocks,
		offsets:            make(map[string]Offset),
		anchors:            make(map[string]time.Time),
		windowDays:         window,
		rawBefore:          cfg.BeforeDateThreshold,
		rawAfter:           cfg.AfterDateThreshold,
		beforeThreshold:    before,
		afterThreshold:     after,
		thresholdAction:    action,
		ageGranularity:     cfg.DatetimeToAge,
		blocks:             make(map[string][]int64),
	}, nil
}

func parseThreshold(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, _, err := parseDatetime(s)
	return t, err
}

func (c *Crosswalk) ageMode() bool {
	return c.ageGranularity != ""
}

func (c *Crosswalk) thresholdsSet() bool {
	return c.rawBefore != "" || c.rawAfter != ""
}

// crosswalkJSON is the persisted form. Every key is always emitted so a
// snapshot is fully self-describing.
type crosswalkJSON struct {
	PersonIDKey        string                      `json:"person_id_key"`
	IDMap              map[string]map[string]int64 `json:"id_map"`
	IDCounters         map[string]int64            `json:"id_counters"`
	RemapBase          int64                       `json:"remap_base"`
	RemapBlockSize     int                         `json:"remap_block_size"`
	PerAttributeBlocks bool                        `json:"remap_per_attribute_blocks"`
	DatetimeMap        map[string]json.RawMessage  `json:"datetime_map"`
	WindowDays         int                         `json:"datetime_window_days"`
	BeforeThreshold    string                      `json:"before_date_threshold"`
	AfterThreshold     string                      `json:"after_date_threshold"`
	ThresholdAction    string                      `json:"date_threshold_action"`
	DatetimeToAge      string                      `json:"datetime_to_age"`
	BirthDatetimeKey   string                      `json:"birth_datetime_key"`
}

// Save serializes the crosswalk as an indented, human-inspectable JSON
// object. Unconsumed ID blocks are not part of the snapshot.
func (c *Crosswalk) Save(w io.Writer) error {
	dtm := make(map[string]json.RawMessage, len(c.offsets)+len(c.anchors))
	for person, off := range c.offsets {
		raw, err := json.Marshal(off)
		if err != nil {
			return fmt.Errorf("failed to encode offset for %s: %w", person, err)
		}
		dtm[person] = raw
	}
	for person, anchor := range c.anchors {
		raw, err := json.Marshal(anchor.Format(layoutDatetimeT))
		if err != nil {
			return fmt.Errorf("failed to encode anchor for %s: %w", person, err)
		}
		dtm[person] = raw
	}

	out := crosswalkJSON{
		PersonIDKey:        c.personIDKey,
		IDMap:              c.idMap,
		IDCounters:         c.idCounters,
		RemapBase:          c.remapBase,
		RemapBlockSize:     c.blockSize,
		PerAttributeBlocks: c.perAttributeBlocks,
		DatetimeMap:        dtm,
		WindowDays:         c.windowDays,
		BeforeThreshold:    c.rawBefore,
		AfterThreshold:     c.rawAfter,
		ThresholdAction:    c.thresholdAction,
		DatetimeToAge:      c.ageGranularity,
		BirthDatetimeKey:   c.birthDatetimeKey,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode crosswalk state: %w", err)
	}
	return nil
}

// Load fully replaces the crosswalk with a previously saved snapshot.
// Nothing of the current state survives a successful load; nothing of the
// snapshot is adopted on failure.
func (c *Crosswalk) Load(r io.Reader) error {
	var in crosswalkJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("failed to decode crosswalk state: %w", err)
	}

	switch in.ThresholdAction {
	case "", ThresholdNone, ThresholdWarn, ThresholdRetry:
	default:
		return fmt.Errorf("invalid date threshold action %q in crosswalk state", in.ThresholdAction)
	}
	switch in.DatetimeToAge {
	case "", AgeDays, AgeMonths, AgeYears:
	default:
		return fmt.Errorf("invalid datetime_to_age granularity %q in crosswalk state", in.DatetimeToAge)
	}

	before, err := parseThreshold(in.BeforeThreshold)
	if err != nil {
		return fmt.Errorf("before_date_threshold in crosswalk state: %w", err)
	}
	after, err := parseThreshold(in.AfterThreshold)
	if err != nil {
		return fmt.Errorf("after_date_threshold in crosswalk state: %w", err)
	}

	offsets := make(map[string]Offset)
	anchors := make(map[string]time.Time)
	for person, raw := range in.DatetimeMap {
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("invalid anchor for %s in crosswalk state: %w", person, err)
			}
			anchor, _, err := parseDatetime(s)
			if err != nil {
				return fmt.Errorf("invalid anchor for %s in crosswalk state: %w", person, err)
			}
			anchors[person] = anchor
			continue
		}
		var off Offset
		if err := json.Unmarshal(raw, &off); err != nil {
			return fmt.Errorf("invalid offset for %s in crosswalk state: %w", person, err)
		}
		offsets[person] = off
	}

	idMap := in.IDMap
	if idMap == nil {
		idMap = make(map[string]map[string]int64)
	}
	idCounters := in.IDCounters
	if idCounters == nil {
		idCounters = make(map[string]int64)
	}
	action := in.ThresholdAction
	if action == "" {
		action = ThresholdNone
	}
	blockSize := in.RemapBlockSize
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	window := in.WindowDays
	if window <= 0 {
		window = defaultWindowDays
	}

	c.personIDKey = in.PersonIDKey
	c.birthDatetimeKey = in.BirthDatetimeKey
	c.idMap = idMap
	c.idCounters = idCounters
	c.remapBase = in.RemapBase
	c.blockSize = blockSize
	c.perAttributeBlocks = in.PerAttributeBlocks
	c.offsets = offsets
	c.anchors = anchors
	c.windowDays = window
	c.rawBefore = in.BeforeThreshold
	c.rawAfter = in.AfterThreshold
	c.beforeThreshold = before
	c.afterThreshold = after
	c.thresholdAction = action
	c.ageGranularity = in.DatetimeToAge
	c.blocks = make(map[string][]int64)

	return nil
}

// Persons returns how many people hold an offset or anchor.
func (c *Crosswalk) Persons() int {
	return len(c.offsets) + len(c.anchors)
}

// MappingCounts returns the number of assigned substitutes per key.
func (c *Crosswalk) MappingCounts() map[string]int {
	counts := make(map[string]int, len(c.idMap))
	for key, table := range c.idMap {
		counts[key] = len(table)
	}
	return counts
}
