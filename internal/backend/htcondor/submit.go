package htcondor

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// DescriptionBuilder renders HTCondor submit descriptions.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type DescriptionBuilder struct{}

// Build returns one submit description queueing every job in order. Proc
// i of the resulting cluster runs jobs[i].
func (b DescriptionBuilder) Build(jobs []models.JobDescriptor) string {
	var sb strings.Builder
	sb.WriteString("universe = vanilla\n")
	sb.WriteString("should_transfer_files = YES\n")
	sb.WriteString("when_to_transfer_output = ON_EXIT\n")
	for _, j := range jobs {
		sb.WriteString("\n")
		b.writeJob(&sb, j)
	}
	return sb.String()
}

func (b DescriptionBuilder) writeJob(sb *strings.Builder, j models.JobDescriptor) {
	kv := func(k, v string) {
		fmt.Fprintf(sb, "%s = %s\n", k, v)
	}

	if j.BatchName != "" {
		kv("batch_name", b.QuoteValue(j.BatchName))
	}
	kv("executable", j.Executable)
	if len(j.Arguments) > 0 {
		kv("arguments", b.QuoteArguments(j.Arguments))
	}
	if len(j.InputFiles) > 0 {
		kv("transfer_input_files", strings.Join(j.InputFiles, ","))
	}
	kv("initialdir", j.OutputDirectory)
	kv("output", filepath.Join(j.OutputDirectory, "job.out"))
	kv("error", filepath.Join(j.OutputDirectory, "job.err"))
	kv("log", filepath.Join(j.OutputDirectory, "job.log"))

	keys := make([]string, 0, len(j.ResourceRequests))
	for k := range j.ResourceRequests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv(resourceKey(k), j.ResourceRequests[k])
	}

	kv("+SimcampJobID", b.QuoteValue(j.JobID))
	sb.WriteString("queue 1\n")
}

// QuoteArguments renders args in the new-style HTCondor argument syntax:
// the whole list in double quotes, arguments with whitespace in single
// quotes, embedded quotes doubled.
func (b DescriptionBuilder) QuoteArguments(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, `"`, `""`)
		if a == "" || strings.ContainsAny(a, " \t'") {
			a = "'" + strings.ReplaceAll(a, "'", "''") + "'"
		}
		parts[i] = a
	}
	return `"` + strings.Join(parts, " ") + `"`
}

// QuoteValue renders s as a ClassAd string literal.
func (b DescriptionBuilder) QuoteValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// resourceKey maps a generic resource name to a submit command.
func resourceKey(name string) string {
	switch name {
	case "cpus", "memory", "disk", "gpus":
		return "request_" + name
	default:
		if strings.HasPrefix(name, "+") || strings.HasPrefix(name, "request_") {
			return name
		}
		return "request_" + name
	}
}

// checkDescriptor returns the reason a job cannot be expressed as a submit
// description, or "".
func checkDescriptor(j models.JobDescriptor) string {
	if j.JobID == "" {
		return "job_id is required"
	}
	if j.Executable == "" {
		return "executable is required"
	}
	if j.OutputDirectory == "" {
		return "output_directory is required"
	}
	if strings.ContainsAny(j.Executable+j.OutputDirectory+j.BatchName, "\n\r") {
		return "newline in submit value"
	}
	for _, a := range j.Arguments {
		if strings.ContainsAny(a, "\n\r") {
			return "newline in argument"
		}
	}
	for _, f := range j.InputFiles {
		if strings.ContainsAny(f, ",\n\r") {
			return fmt.Sprintf("input file %q contains a comma or newline", f)
		}
	}
	for k, v := range j.ResourceRequests {
		if strings.ContainsAny(k+v, "\n\r=") {
			return fmt.Sprintf("resource request %q is malformed", k)
		}
	}
	return ""
}
