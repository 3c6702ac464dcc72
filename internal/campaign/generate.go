package campaign

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// ParentParam is the parameter that ties a job to the job it consumes.
const ParentParam = "parent_id"

// Jobs generates the variants of stage. The first defined stage expands
// its grid once; later stages expand it once per parent, recording the
// parent in ParentParam.
func (d *Definition) Jobs(stage models.Stage, parents []*models.Job) ([]*models.Job, error) {
	sd := d.Stage(stage)
	if sd == nil {
		return nil, &models.ValidationError{Campaign: d.Name, Field: "stages", Reason: fmt.Sprintf("stage %s is not defined", stage)}
	}

	var jobs []*models.Job
	if stage == d.FirstStage() {
		for _, p := range sd.Parameters.Expand(models.Params{}) {
			jobs = append(jobs, d.newJob(stage, p, nil))
		}
		return jobs, nil
	}

	jobs = make([]*models.Job, 0, len(parents)*sd.Parameters.Size())
	for _, parent := range parents {
		parentID := parent.JobID
		for _, p := range sd.Parameters.Expand(models.Params{{Name: ParentParam, Value: parentID}}) {
			jobs = append(jobs, d.newJob(stage, p, &parentID))
		}
	}
	return jobs, nil
}

func (d *Definition) newJob(stage models.Stage, params models.Params, parent *string) *models.Job {
	id := registry.JobID(d.Name, stage, params)
	return &models.Job{
		JobID:      id,
		CampaignID: d.Name,
		Stage:      stage,
		Parameters: params,
		ParentID:   parent,
		OutputPath: OutputPath(d.Workspace, stage, id),
	}
}

// OutputPath returns the output directory of a job.
func OutputPath(workspace string, stage models.Stage, jobID string) string {
	return filepath.Join(workspace, strings.ToLower(string(stage)), jobID)
}

// Descriptor renders the backend descriptor of job. parent is nil for
// jobs of the first stage.
func (d *Definition) Descriptor(job, parent *models.Job) (models.JobDescriptor, error) {
	sd := d.Stage(job.Stage)
	if sd == nil {
		return models.JobDescriptor{}, &models.ValidationError{Campaign: d.Name, JobID: job.JobID,
			Field: "stage", Reason: fmt.Sprintf("stage %s is not defined", job.Stage)}
	}

	vars := map[string]string{
		"job_id":   job.JobID,
		"output":   job.OutputPath,
		"campaign": d.Name,
		"stage":    strings.ToLower(string(job.Stage)),
	}
	if parent != nil {
		vars["parent_output"] = parent.OutputPath
	}
	for _, p := range job.Parameters {
		vars[p.Name] = p.Value
	}

	render := func(t string) (string, error) {
		var missing string
		out := placeholderRe.ReplaceAllStringFunc(t, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := vars[name]
			if !ok && missing == "" {
				missing = name
			}
			return v
		})
		if missing != "" {
			return "", &models.ValidationError{Campaign: d.Name, JobID: job.JobID,
				Field: "arguments", Reason: fmt.Sprintf("no value for {%s}", missing)}
		}
		return out, nil
	}
	renderAll := func(ts []string) ([]string, error) {
		out := make([]string, len(ts))
		for i, t := range ts {
			v, err := render(t)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	exe, err := render(sd.Executable)
	if err != nil {
		return models.JobDescriptor{}, err
	}
	args, err := renderAll(sd.Arguments)
	if err != nil {
		return models.JobDescriptor{}, err
	}
	inputs, err := renderAll(sd.InputFiles)
	if err != nil {
		return models.JobDescriptor{}, err
	}

	var resources map[string]string
	if len(sd.Resources) > 0 {
		resources = make(map[string]string, len(sd.Resources))
		for k, v := range sd.Resources {
			resources[k] = v
		}
	}

	return models.JobDescriptor{
		JobID:            job.JobID,
		Campaign:         d.Name,
		Stage:            job.Stage,
		BatchName:        d.Name + "_" + strings.ToLower(string(job.Stage)),
		Executable:       exe,
		Arguments:        args,
		InputFiles:       inputs,
		OutputDirectory:  job.OutputPath,
		ResourceRequests: resources,
	}, nil
}

// ResultsSchema returns the schema of the campaign results table, or false
// when the definition collects no results.
func (d *Definition) ResultsSchema() (store.TableSchema, bool) {
	if d.Results == nil {
		return store.TableSchema{}, false
	}
	cols := make([]store.Column, 0, len(d.Results.Columns)+2)
	cols = append(cols, store.Column{Name: "job_id", Type: store.ColumnText, NotNull: true})
	cols = append(cols, d.Results.Columns...)
	cols = append(cols, store.Column{Name: "collected_at", Type: store.ColumnTimestamp, NotNull: true})
	return store.TableSchema{
		Name:       d.ResultsTable(),
		Columns:    cols,
		PrimaryKey: []string{"job_id"},
	}, true
}
