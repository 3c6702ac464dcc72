package models

import "time"

// Campaign is a named study. ConfigSnapshot is the verbatim definition the
// jobs were generated from and never changes after creation.
type Campaign struct {
	Name           string     `db:"name"            json:"name"`
	WorkspacePath  string     `db:"workspace_path"  json:"workspace_path"`
	Backend        string     `db:"backend"         json:"backend"`
	ActiveStage    Stage      `db:"active_stage"    json:"active_stage"`
	ConfigSnapshot string     `db:"config_snapshot" json:"-"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at"    json:"completed_at,omitempty"`
}

// TaskSummary is the per-status job count of one campaign stage.
type TaskSummary struct {
	Campaign string         `json:"campaign"`
	Stage    Stage          `json:"stage"`
	Counts   map[Status]int `json:"counts"`
}

// Total returns the number of jobs in the stage.
func (s TaskSummary) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Complete reports whether the stage has jobs and every one is COMPLETED.
func (s TaskSummary) Complete() bool {
	total := s.Total()
	return total > 0 && s.Counts[StatusCompleted] == total
}

// Settled reports whether no job in the stage can still make progress
// without operator action.
func (s TaskSummary) Settled() bool {
	for _, st := range []Status{StatusPending, StatusSubmitted, StatusRunning} {
		if s.Counts[st] > 0 {
			return false
		}
	}
	return true
}
