package templates

// ImportError records why one candidate file was rejected during validation.
type ImportError struct {
	FilePath string `json:"file_path"`
	Reason   string `json:"reason"`
}

// ImportResult is the immutable snapshot produced by the validation phase and
// consumed by the commit phase. Counts always satisfy
// TotalFound == Validated + Failed + AlreadyExists.
type ImportResult struct {
	TotalFound     int           `json:"total_found"`
	Validated      int           `json:"validated"`
	Failed         int           `json:"failed"`
	AlreadyExists  int           `json:"already_exists"`
	Errors         []ImportError `json:"errors"`
	ValidTemplates []Candidate   `json:"valid_templates"`
}

// Candidate is one discovered definition file that passed validation and is
// eligible for commit.
type Candidate struct {
	TemplateRef string   `json:"template_ref"`
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Tags        []string `json:"tags"`
	Author      string   `json:"author"`
	SourcePath  string   `json:"source_path"`
}

// CommitResult tallies the outcome of the commit phase.
type CommitResult struct {
	Imported   int           `json:"imported"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Errors     []ImportError `json:"errors"`
}
