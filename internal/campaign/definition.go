// Package campaign parses campaign definition files and expands them into
// job variants and backend descriptors.
package campaign

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/simcamp/internal/backend"
	"github.com/kiranshivaraju/simcamp/internal/evidence"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"gopkg.in/yaml.v3"
)

// Definition is a parsed campaign definition file.
type Definition struct {
	Name      string       `yaml:"name"`
	Workspace string       `yaml:"workspace"`
	Backend   string       `yaml:"backend"`
	Stages    StageSet     `yaml:"stages"`
	Results   *ResultsSpec `yaml:"results,omitempty"`

	raw []byte
}

// StageSet holds the optional definition of each stage.
type StageSet struct {
	Preprocess  *StageDef `yaml:"preprocess,omitempty"`
	Track       *StageDef `yaml:"track,omitempty"`
	Postprocess *StageDef `yaml:"postprocess,omitempty"`
}

// StageDef describes how the jobs of one stage are generated and run.
type StageDef struct {
	Executable string            `yaml:"executable"`
	Arguments  []string          `yaml:"arguments,omitempty"`
	InputFiles []string          `yaml:"input_files,omitempty"`
	Resources  map[string]string `yaml:"resources,omitempty"`
	Output     OutputSpec        `yaml:"output"`
	Parameters ParameterGrid     `yaml:"parameters,omitempty"`
}

// OutputSpec names the artifact that proves a job finished and the format
// that validates it.
type OutputSpec struct {
	File   string `yaml:"file"`
	Format string `yaml:"format,omitempty"`
}

// ResultsSpec declares the per-job result file and the columns collected
// from it into the campaign results table.
type ResultsSpec struct {
	Stage   string  `yaml:"stage,omitempty"`
	File    string  `yaml:"file"`
	Columns Columns `yaml:"columns"`
}

// Parse decodes and validates a definition. raw is kept verbatim as the
// campaign's config snapshot.
func Parse(raw []byte) (*Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, &models.ValidationError{Field: "definition", Reason: err.Error()}
	}
	d.raw = append([]byte(nil), raw...)

	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Snapshot returns the verbatim definition text.
func (d *Definition) Snapshot() string { return string(d.raw) }

// Stage returns the definition of s, or nil when the stage is skipped.
func (d *Definition) Stage(s models.Stage) *StageDef {
	switch s {
	case models.StagePreprocess:
		return d.Stages.Preprocess
	case models.StageTrack:
		return d.Stages.Track
	case models.StagePostprocess:
		return d.Stages.Postprocess
	}
	return nil
}

// FirstStage returns the earliest defined stage.
func (d *Definition) FirstStage() models.Stage {
	for _, s := range models.Stages {
		if d.Stage(s) != nil {
			return s
		}
	}
	return ""
}

// NextStage returns the first defined stage after s.
func (d *Definition) NextStage(s models.Stage) (models.Stage, bool) {
	for next, ok := s.Next(); ok; next, ok = next.Next() {
		if d.Stage(next) != nil {
			return next, true
		}
	}
	return "", false
}

// lastStage returns the latest defined stage.
func (d *Definition) lastStage() models.Stage {
	last := models.Stage("")
	for _, s := range models.Stages {
		if d.Stage(s) != nil {
			last = s
		}
	}
	return last
}

// ResultsStage returns the stage whose jobs produce collected results.
func (d *Definition) ResultsStage() models.Stage {
	if d.Results == nil {
		return ""
	}
	if d.Results.Stage == "" {
		return d.lastStage()
	}
	s, _ := models.ParseStage(d.Results.Stage)
	return s
}

// ResultsTable returns the name of the campaign results table.
func (d *Definition) ResultsTable() string {
	return ResultsTable(d.Name)
}

// ResultsTable returns the results table name of a campaign.
func ResultsTable(campaign string) string {
	return "results_" + campaign
}

// Checker builds the output checker of stage s.
func (d *Definition) Checker(s models.Stage) (evidence.Checker, error) {
	sd := d.Stage(s)
	if sd == nil {
		return nil, &models.ValidationError{Campaign: d.Name, Field: "stages", Reason: fmt.Sprintf("stage %s is not defined", s)}
	}
	return evidence.NewFileChecker(sd.Output.File, sd.Output.Format)
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var builtinPlaceholders = map[string]bool{
	"job_id":        true,
	"output":        true,
	"parent_output": true,
	"parent_id":     true,
	"campaign":      true,
	"stage":         true,
}

func (d *Definition) validate() error {
	var result *multierror.Error
	fail := func(field, reason string) {
		result = multierror.Append(result, &models.ValidationError{Campaign: d.Name, Field: field, Reason: reason})
	}

	switch {
	case !store.ValidIdentifier(d.Name):
		fail("name", "must be lower-case letters, digits and underscores, starting with a letter")
	case !store.ValidIdentifier(ResultsTable(d.Name)):
		fail("name", "too long")
	}
	if d.Workspace == "" || !filepath.IsAbs(d.Workspace) {
		fail("workspace", "must be an absolute path")
	}
	if !backend.ValidKind(d.Backend) {
		fail("backend", fmt.Sprintf("unknown backend %q: must be one of htcondor, slurm, boinc", d.Backend))
	}
	if d.FirstStage() == "" {
		fail("stages", "at least one stage must be defined")
	}

	for _, s := range models.Stages {
		sd := d.Stage(s)
		if sd == nil {
			continue
		}
		field := "stages." + string(s)
		if sd.Executable == "" {
			fail(field+".executable", "required")
		}
		if sd.Output.File == "" {
			fail(field+".output.file", "required")
		} else if filepath.IsAbs(sd.Output.File) {
			fail(field+".output.file", "must be relative to the job output directory")
		}
		if _, err := evidence.LookupFormat(sd.Output.Format); err != nil {
			fail(field+".output.format", err.Error())
		}
		for _, name := range sd.undefinedPlaceholders() {
			fail(field, fmt.Sprintf("unknown placeholder {%s}", name))
		}
		for _, a := range sd.Parameters {
			if builtinPlaceholders[a.Name] {
				fail(field+".parameters", fmt.Sprintf("%q is reserved", a.Name))
			}
		}
	}

	if r := d.Results; r != nil {
		if r.Stage != "" {
			if s, err := models.ParseStage(r.Stage); err != nil || d.Stage(s) == nil {
				fail("results.stage", fmt.Sprintf("%q is not a defined stage", r.Stage))
			}
		}
		if r.File == "" {
			fail("results.file", "required")
		}
		if len(r.Columns) == 0 {
			fail("results.columns", "at least one column is required")
		}
		for _, c := range r.Columns {
			if c.Name == "job_id" || c.Name == "collected_at" {
				fail("results.columns", fmt.Sprintf("%q is reserved", c.Name))
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return &models.ValidationError{Campaign: d.Name, Field: "definition", Reason: flatten(result)}
	}
	return nil
}

func flatten(m *multierror.Error) string {
	var buf bytes.Buffer
	for i, err := range m.Errors {
		if i > 0 {
			buf.WriteString("; ")
		}
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			fmt.Fprintf(&buf, "%s: %s", ve.Field, ve.Reason)
			continue
		}
		buf.WriteString(err.Error())
	}
	return buf.String()
}

func (sd *StageDef) undefinedPlaceholders() []string {
	known := make(map[string]bool, len(sd.Parameters))
	for _, a := range sd.Parameters {
		known[a.Name] = true
	}

	var missing []string
	seen := map[string]bool{}
	templates := append(append([]string{sd.Executable}, sd.Arguments...), sd.InputFiles...)
	for _, t := range templates {
		for _, m := range placeholderRe.FindAllStringSubmatch(t, -1) {
			name := m[1]
			if known[name] || builtinPlaceholders[name] || seen[name] {
				continue
			}
			seen[name] = true
			missing = append(missing, name)
		}
	}
	return missing
}
