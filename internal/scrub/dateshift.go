package scrub

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

const (
	layoutDate      = "2006-01-02"
	layoutDatetime  = "2006-01-02 15:04:05"
	layoutDatetimeT = "2006-01-02T15:04:05"

	secondsPerDay = 86400
	daysPerMonth  = 30.44
	daysPerYear   = 365.25

	// offsetRetryLimit caps offset regeneration under the retry threshold
	// action so an unsatisfiable window cannot loop forever.
	offsetRetryLimit = 100
)

// Accepted textual date/time forms, tried in order. The matching layout is
// kept so shifted values re-render in the style they arrived in.
var datetimeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	layoutDate,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	time.RFC3339Nano,
}

func parseDatetime(s string) (time.Time, string, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("unrecognized date/time value %q", s)
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Offset is a person's date-shift duration, split into whole days, minutes
// and seconds. All components carry the same sign and the total magnitude
// is always at least one full day.
type Offset struct {
	Days    int `json:"days"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// Duration returns the offset as a time.Duration.
func (o Offset) Duration() time.Duration {
	return time.Duration(o.Days)*24*time.Hour +
		time.Duration(o.Minutes)*time.Minute +
		time.Duration(o.Seconds)*time.Second
}

// ShiftOptions overrides how one date-shift call resolves its person and,
// in age mode, the birth anchor. A nil ShiftOptions reads both from the
// record's configured fields.
type ShiftOptions struct {
	PersonID      Value
	BirthDatetime Value
}

type shiftMode int

const (
	modeDate shiftMode = iota
	modeDatetime
	modeDatetimeAlways
	modeAge
)

// DateShifter applies a stable person-specific offset (or age conversion)
// to date and datetime values, preserving intervals between any two
// values belonging to the same person.
type DateShifter struct {
	cw   *Crosswalk
	rng  *rand.Rand
	warn func(Warning)
}

// NewOffset draws a fresh random offset for person, overwriting any prior
// one. The draw is uniform over [-window/2, +window/2] days, pushed away
// from zero so every offset moves dates by at least one full day, then
// split into whole days, minutes and seconds.
func (d *DateShifter) NewOffset(person string) Offset {
	days := (d.rng.Float64() - 0.5) * float64(d.cw.windowDays)
	if days > -1 && days < 1 {
		if days < 0 {
			days--
		} else {
			days++
		}
	}
	totalSec := int64(days * secondsPerDay)
	off := Offset{
		Days:    int(totalSec / secondsPerDay),
		Minutes: int(totalSec % secondsPerDay / 60),
		Seconds: int(totalSec % 60),
	}
	d.cw.offsets[person] = off
	return off
}

// RemapDate shifts the named field and truncates the result to the day.
func (d *DateShifter) RemapDate(rec *Record, field string, opts *ShiftOptions) (Value, error) {
	return d.remap(rec, field, opts, modeDate)
}

// RemapDatetime shifts the named field, treating values whose time of day
// is exactly midnight as date-only data: their date is shifted but the
// literal 00:00:00 is kept, so date-only data stored in datetime columns
// does not leak the sub-day part of the offset.
func (d *DateShifter) RemapDatetime(rec *Record, field string, opts *ShiftOptions) (Value, error) {
	return d.remap(rec, field, opts, modeDatetime)
}

// RemapDatetimeAlways shifts the named field including its time of day;
// the result always carries a time component.
func (d *DateShifter) RemapDatetimeAlways(rec *Record, field string, opts *ShiftOptions) (Value, error) {
	return d.remap(rec, field, opts, modeDatetimeAlways)
}

// RemapDatetimeToAge replaces the named field with the interval elapsed
// since the person's anchor (their birth datetime), at the engine's
// configured age granularity.
func (d *DateShifter) RemapDatetimeToAge(rec *Record, field string, opts *ShiftOptions) (Value, error) {
	return d.remap(rec, field, opts, modeAge)
}

func (d *DateShifter) remap(rec *Record, field string, opts *ShiftOptions, mode shiftMode) (Value, error) {
	raw := rec.Value(field)
	if raw == nil {
		return nil, nil
	}

	var (
		t       time.Time
		layout  string
		fromStr bool
	)
	switch v := raw.(type) {
	case time.Time:
		t = v
	case string:
		if v == "" {
			return v, nil
		}
		var err error
		t, layout, err = parseDatetime(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		fromStr = true
	default:
		return nil, fmt.Errorf("field %s: cannot shift %T value", field, raw)
	}

	person, err := d.personFor(rec, opts)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}

	if mode == modeAge || d.cw.ageMode() {
		return d.toAge(rec, field, opts, person, t, fromStr), nil
	}

	// Midnight timestamps are treated as date-only data in datetime
	// clothing: shift the date but keep the literal midnight.
	asDate := mode == modeDate
	keepLayout := false
	if mode == modeDatetime && isMidnight(t) {
		asDate = true
		keepLayout = true
	}

	orig, _ := canonicalString(raw)
	off, created := d.ensureOffset(field, person, orig, t)
	shifted := t.Add(off.Duration())
	d.checkThresholds(field, person, orig, shifted, created)

	if asDate {
		day := truncateToDay(shifted)
		if !fromStr {
			return day, nil
		}
		if keepLayout {
			return day.Format(layout), nil
		}
		return day.Format(layoutDate), nil
	}
	if fromStr {
		if layout == layoutDate {
			layout = layoutDatetime
		}
		return shifted.Format(layout), nil
	}
	return shifted, nil
}

// personFor resolves the person key for a shift: the options override when
// present, else the record's configured person-id field.
func (d *DateShifter) personFor(rec *Record, opts *ShiftOptions) (string, error) {
	var v Value
	if opts != nil && opts.PersonID != nil {
		v = opts.PersonID
	} else {
		v = rec.Value(d.cw.personIDKey)
	}
	person, ok := canonicalString(v)
	if !ok || person == "" {
		return "", fmt.Errorf("record carries no %s value to key the date offset", d.cw.personIDKey)
	}
	return person, nil
}

// ensureOffset returns the person's offset, creating one on first
// encounter. Under the retry threshold action the creation draw is
// regenerated until the current field's shifted value lands within the
// thresholds, up to offsetRetryLimit attempts; the last attempt is kept
// either way. An offset that already exists is never regenerated, since
// that would desynchronize shifts already emitted for the person.
func (d *DateShifter) ensureOffset(field, person, orig string, t time.Time) (Offset, bool) {
	if off, ok := d.cw.offsets[person]; ok {
		return off, false
	}
	off := d.NewOffset(person)
	if d.cw.thresholdAction == ThresholdRetry && d.cw.thresholdsSet() {
		for attempts := 0; !d.withinThresholds(t.Add(off.Duration())) && attempts < offsetRetryLimit; attempts++ {
			off = d.NewOffset(person)
		}
		if !d.withinThresholds(t.Add(off.Duration())) {
			d.warn(Warning{
				Kind:     WarnThresholdUnsatisfiable,
				Field:    field,
				Person:   person,
				Original: orig,
				Shifted:  t.Add(off.Duration()).Format(layoutDatetime),
				Message:  fmt.Sprintf("could not satisfy date thresholds after %d attempts", offsetRetryLimit),
			})
		}
	}
	return off, true
}

// checkThresholds emits an advisory warning when a shifted value falls
// outside the configured bounds. Under retry the check is skipped for the
// field that just created the offset: the retry loop already enforced (or
// reported) the bounds for it.
func (d *DateShifter) checkThresholds(field, person, orig string, shifted time.Time, created bool) {
	if !d.cw.thresholdsSet() {
		return
	}
	switch d.cw.thresholdAction {
	case ThresholdWarn:
	case ThresholdRetry:
		if created {
			return
		}
	default:
		return
	}
	if d.withinThresholds(shifted) {
		return
	}
	d.warn(Warning{
		Kind:     WarnDateThreshold,
		Field:    field,
		Person:   person,
		Original: orig,
		Shifted:  shifted.Format(layoutDatetime),
		Message:  "shifted value falls outside the configured date thresholds",
	})
}

func (d *DateShifter) withinThresholds(t time.Time) bool {
	if !d.cw.beforeThreshold.IsZero() && t.Before(d.cw.beforeThreshold) {
		return false
	}
	if !d.cw.afterThreshold.IsZero() && t.After(d.cw.afterThreshold) {
		return false
	}
	return true
}

// toAge converts a value to the interval elapsed since the person's
// anchor. String inputs render textually; structured inputs yield int64
// days or float64 months/years.
func (d *DateShifter) toAge(rec *Record, field string, opts *ShiftOptions, person string, t time.Time, fromStr bool) Value {
	anchor, ok := d.cw.anchors[person]
	if !ok {
		anchor = d.newAnchor(rec, field, opts, person)
	}
	days := t.Sub(anchor).Hours() / 24

	switch d.cw.ageGranularity {
	case AgeMonths:
		months := days / daysPerMonth
		if fromStr {
			return strconv.FormatFloat(months, 'f', 2, 64)
		}
		return months
	case AgeYears:
		years := days / daysPerYear
		if fromStr {
			return strconv.FormatFloat(years, 'f', 2, 64)
		}
		return years
	default:
		whole := int64(days)
		if fromStr {
			return strconv.FormatInt(whole, 10)
		}
		return whole
	}
}

var implausibleAnchorEpoch = time.Date(1700, time.January, 1, 0, 0, 0, 0, time.UTC)

// implausibleAnchorSpanDays spreads fallback anchors across the 1700s.
const implausibleAnchorSpanDays = 36500

// newAnchor fixes the person's age anchor: the options override, else the
// record's configured birth-datetime field, else a random anchor centuries
// in the past so downstream ages are obviously wrong rather than silently
// plausible. Out-of-order data (a person's birth arriving after their
// other dates) is not reconciled.
func (d *DateShifter) newAnchor(rec *Record, field string, opts *ShiftOptions, person string) time.Time {
	var birth Value
	if opts != nil && opts.BirthDatetime != nil {
		birth = opts.BirthDatetime
	} else if d.cw.birthDatetimeKey != "" {
		birth = rec.Value(d.cw.birthDatetimeKey)
	}

	var anchor time.Time
	switch v := birth.(type) {
	case time.Time:
		anchor = v
	case string:
		if v != "" {
			if t, _, err := parseDatetime(v); err == nil {
				anchor = t
			}
		}
	}

	if anchor.IsZero() {
		anchor = implausibleAnchorEpoch.AddDate(0, 0, d.rng.Intn(implausibleAnchorSpanDays))
		keyName := d.cw.birthDatetimeKey
		if keyName == "" {
			keyName = "birth datetime"
		}
		d.warn(Warning{
			Kind:    WarnMissingBirthDatetime,
			Field:   field,
			Person:  person,
			Message: fmt.Sprintf("no usable %s for person; ages anchored to an implausible fallback", keyName),
		})
	}

	d.cw.anchors[person] = anchor
	return anchor
}
