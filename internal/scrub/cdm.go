package scrub

// Profile bundles a ready-made rule baseline that user configuration
// layers on top of.
type Profile struct {
	Redact   []string
	Preserve []string
	Defaults []MapRule
}

// CDMProfile returns the scrubbing baseline for PEDSnet/OMOP CDM shaped
// tables: concept references stay, free-text source values go, identifier
// columns become stable labels, and date and datetime columns shift with
// their person.
func CDMProfile() Profile {
	return Profile{
		Redact: []string{
			"re:(?i)_source_value$",
		},
		Preserve: []string{
			"re:(?i)_concept_id$",
		},
		Defaults: []MapRule{
			{Method: MethodRemapDatetime, Fields: []string{"re:(?i)_datetime$"}},
			{Method: MethodRemapDate, Fields: []string{"re:(?i)_date$"}},
			{Method: MethodRemapLabel, Fields: []string{"re:(?i)_id$"}},
		},
	}
}
