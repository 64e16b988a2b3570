package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/taxolab/taxo/internal/cluster"
)

// ForcedKeep records a cluster finalized without a usable reviewer
// decision, with the reason it was forced.
type ForcedKeep struct {
	ClusterID string `json:"cluster_id"`
	Reason    string `json:"reason"`
}

// Report summarizes one refinement run. A run always ends with a full,
// valid partition; the report shows how much of it the reviewer actually
// approved versus what the policy forced.
type Report struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Items         int            `json:"items"`
	Seeded        int            `json:"seeded_clusters"`
	OracleCalls   int            `json:"oracle_calls"`
	Decisions     map[string]int `json:"decisions"`
	ForcedKeeps   []ForcedKeep   `json:"forced_keeps,omitempty"`
	Downgrades    int            `json:"downgraded_splits"`
	StaleRequeues int            `json:"stale_requeues"`
	FinalClusters int            `json:"final_clusters"`
}

func newReport(items int) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Items:     items,
		Decisions: make(map[string]int),
	}
}

func (r *Report) finish(reg *cluster.Registry) {
	r.FinishedAt = time.Now().UTC()
	r.FinalClusters = len(reg.Finalized())
}
