// Package export renders a persisted run as the two result surfaces: one
// row per item with its final cluster, and one row per finalized cluster.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/taxolab/taxo/internal/cluster"
	"github.com/taxolab/taxo/internal/engine"
	"github.com/taxolab/taxo/internal/store"
)

// Format selects the output serialization.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a format flag.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON:
		return Format(s), nil
	case "":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown format %q (supported: csv, json)", s)
	}
}

// Snapshot flattens a finished run into store rows. Dissolved clusters are
// included so the refinement tree stays inspectable; assignments cover
// finalized clusters only, which by then own every item.
func Snapshot(reg *cluster.Registry, report *engine.Report) (store.Run, []store.ClusterRow, []store.Assignment) {
	reportJSON, _ := json.Marshal(report)
	run := store.Run{
		ID:            report.RunID,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
		Items:         report.Items,
		OracleCalls:   report.OracleCalls,
		FinalClusters: report.FinalClusters,
		ReportJSON:    string(reportJSON),
	}

	var clusters []store.ClusterRow
	for _, n := range reg.All() {
		desc, _ := reg.Describe(n.ID)
		clusters = append(clusters, store.ClusterRow{
			RunID:       run.ID,
			ID:          n.ID,
			Label:       n.Label,
			Description: desc,
			Size:        n.Size(),
			Depth:       n.Depth,
			Status:      string(n.Status),
			ReviewCount: n.ReviewCount,
		})
	}

	var assignments []store.Assignment
	for _, it := range reg.Items() {
		assignments = append(assignments, store.Assignment{
			RunID:     run.ID,
			ItemID:    it.ID,
			Text:      it.Text,
			ClusterID: it.ClusterID,
		})
	}
	return run, clusters, assignments
}

type itemRow struct {
	ItemID       string `json:"item_id"`
	Text         string `json:"text"`
	ClusterID    string `json:"cluster_id"`
	ClusterLabel string `json:"cluster_label"`
}

type clusterRow struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Size        int    `json:"size"`
	Description string `json:"description"`
}

// WriteItems writes one row per item with its final cluster and label.
func WriteItems(w io.Writer, format Format, assignments []store.Assignment, clusters []store.ClusterRow) error {
	labels := make(map[string]string, len(clusters))
	for _, c := range clusters {
		labels[c.ID] = c.Label
	}
	rows := make([]itemRow, len(assignments))
	for i, a := range assignments {
		rows[i] = itemRow{ItemID: a.ItemID, Text: a.Text, ClusterID: a.ClusterID, ClusterLabel: labels[a.ClusterID]}
	}

	switch format {
	case FormatJSON:
		return writeJSON(w, rows)
	default:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"item_id", "text", "cluster_id", "cluster_label"}); err != nil {
			return err
		}
		for _, r := range rows {
			if err := cw.Write([]string{r.ItemID, r.Text, r.ClusterID, r.ClusterLabel}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}
}

// WriteClusters writes one row per finalized cluster.
func WriteClusters(w io.Writer, format Format, clusters []store.ClusterRow) error {
	var rows []clusterRow
	for _, c := range clusters {
		if c.Status != string(cluster.StatusFinalized) {
			continue
		}
		rows = append(rows, clusterRow{ID: c.ID, Label: c.Label, Size: c.Size, Description: c.Description})
	}

	switch format {
	case FormatJSON:
		return writeJSON(w, rows)
	default:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"id", "label", "size", "description"}); err != nil {
			return err
		}
		for _, r := range rows {
			if err := cw.Write([]string{r.ID, r.Label, fmt.Sprintf("%d", r.Size), r.Description}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
