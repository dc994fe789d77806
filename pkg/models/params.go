package models

// Genome assemblies accepted by the engine.
const (
	AssemblyHG19 = "hg19"
	AssemblyHG38 = "hg38"
)

// Analysis modes accepted by the engine.
const (
	AnalysisModePassOnly = "PASS_ONLY"
	AnalysisModeFull     = "FULL"
)

// Defaults applied when a submission leaves a parameter unset.
const (
	DefaultAssembly               = AssemblyHG19
	DefaultAnalysisMode           = AnalysisModePassOnly
	DefaultFrequencyThreshold     = 1.0
	DefaultPathogenicityThreshold = 0.5
)

// Params is the requested engine parameter set of a job.
type Params struct {
	Assembly               string          `db:"assembly"                json:"assembly"`
	AnalysisMode           string          `db:"analysis_mode"           json:"analysis_mode"`
	FrequencyThreshold     float64         `db:"frequency_threshold"     json:"frequency_threshold"`
	PathogenicityThreshold float64         `db:"pathogenicity_threshold" json:"pathogenicity_threshold"`
	HPOTerms               []PhenotypeTerm `db:"hpo_terms"               json:"hpo_terms,omitempty"`
}

// PhenotypeTerm is a Human Phenotype Ontology term observed in the subject.
type PhenotypeTerm struct {
	ID    string `json:"id"    yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

// DefaultParams returns the parameter set used when a submission sets nothing.
func DefaultParams() Params {
	return Params{
		Assembly:               DefaultAssembly,
		AnalysisMode:           DefaultAnalysisMode,
		FrequencyThreshold:     DefaultFrequencyThreshold,
		PathogenicityThreshold: DefaultPathogenicityThreshold,
	}
}
