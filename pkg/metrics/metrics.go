package metrics

/*
Labels and so on for metrics used in the director.
*/

const (
	LabelMethod  = "method"
	LabelSuccess = "success"

	// Labels for compilation metrics
	LabelOutcome  = "outcome"
	LabelStemcell = "stemcell"
	LabelPool     = "pool"
)

// Values for LabelOutcome.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeGlobal = "global"
	OutcomeLine   = "stemcell_line"
)
