package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage is a campaign phase. Stages run strictly in order.
type Stage string

const (
	StagePreprocess  Stage = "PREPROCESS"
	StageTrack       Stage = "TRACK"
	StagePostprocess Stage = "POSTPROCESS"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StagePreprocess, StageTrack, StagePostprocess}

// Next returns the stage after s, or false when s is the last one.
func (s Stage) Next() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// ParseStage converts a case-insensitive stage name into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Stages {
		if st == known {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", s)}
}

// Status is the tracked lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSubmitted  Status = "SUBMITTED"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusIncomplete Status = "INCOMPLETE"
)

// Statuses lists every valid status.
var Statuses = []Status{
	StatusPending, StatusSubmitted, StatusRunning,
	StatusCompleted, StatusFailed, StatusIncomplete,
}

// ParseStatus converts a case-insensitive status name into a Status.
// Any value outside the closed set is a validation error.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
}

// InFlight reports whether the job is held by the backend.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusRunning
}

// Retryable reports whether the job may be reset to PENDING.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusIncomplete
}

// Param is one named parameter of a job variant.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Params is an ordered parameter list. Order is significant: it is the
// declaration order from the campaign definition.
type Params []Param

// Get returns the value for name.
func (p Params) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// With returns a copy of p with name appended.
func (p Params) With(name, value string) Params {
	out := make(Params, len(p), len(p)+1)
	copy(out, p)
	return append(out, Param{Name: name, Value: value})
}

// Validate rejects empty and repeated names.
func (p Params) Validate() error {
	seen := make(map[string]bool, len(p))
	for _, kv := range p {
		if kv.Name == "" {
			return &ValidationError{Field: "parameters", Reason: "empty parameter name"}
		}
		if seen[kv.Name] {
			return &ValidationError{Field: "parameters", Reason: fmt.Sprintf("duplicate parameter %q", kv.Name)}
		}
		seen[kv.Name] = true
	}
	return nil
}

// VariantKey returns a stable digest of the ordered parameter list.
// Two jobs of the same campaign and stage are the same variant iff their
// keys are equal.
func (p Params) VariantKey() string {
	h := sha256.New()
	for _, kv := range p {
		fmt.Fprintf(h, "%d:%s=%d:%s;", len(kv.Name), kv.Name, len(kv.Value), kv.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String renders p as name=value pairs, for logs and batch names.
func (p Params) String() string {
	parts := make([]string, len(p))
	for i, kv := range p {
		parts[i] = kv.Name + "=" + kv.Value
	}
	return strings.Join(parts, ",")
}

// Encode serializes p for storage.
func (p Params) Encode() (string, error) {
	if p == nil {
		p = Params{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeParams parses a stored parameter list.
func DecodeParams(s string) (Params, error) {
	var p Params
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return p, nil
}

// Job is one parameterized variant of a campaign stage.
type Job struct {
	JobID          string     `db:"job_id"           json:"job_id"`
	CampaignID     string     `db:"campaign_id"      json:"campaign_id"`
	Stage          Stage      `db:"stage"            json:"stage"`
	Parameters     Params     `db:"parameters"       json:"parameters"`
	VariantKey     string     `db:"variant_key"      json:"-"`
	Status         Status     `db:"status"           json:"status"`
	ClusterRef     *string    `db:"cluster_ref"      json:"cluster_ref,omitempty"`
	LastClusterRef *string    `db:"last_cluster_ref" json:"last_cluster_ref,omitempty"`
	AttemptCount   int        `db:"attempt_count"    json:"attempt_count"`
	Rejections     int        `db:"rejections"       json:"rejections"`
	Version        int64      `db:"version"          json:"version"`
	ParentID       *string    `db:"parent_id"        json:"parent_id,omitempty"`
	OutputPath     string     `db:"output_path"      json:"output_path"`
	LastError      *string    `db:"last_error"       json:"last_error,omitempty"`
	SubmittedAt    *time.Time `db:"submitted_at"     json:"submitted_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	CollectedAt    *time.Time `db:"collected_at"     json:"collected_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// Ref returns the current cluster reference or "".
func (j *Job) Ref() string {
	if j.ClusterRef == nil {
		return ""
	}
	return *j.ClusterRef
}
