// Package evaluate scores a finished clustering against ground-truth
// labels: mutual information, normalized mutual information (arithmetic
// mean normalizer), and adjusted mutual information, all in nats.
package evaluate

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/taxolab/taxo/internal/store"
)

// Scores holds the clustering agreement metrics for one run.
type Scores struct {
	Pairs int     `json:"pairs"`
	MI    float64 `json:"mi"`
	NMI   float64 `json:"nmi"`
	AMI   float64 `json:"ami"`
}

// LoadTruthCSV reads a two-column ground-truth file: the first column is
// the query text or item id, the second the true label. A header row
// naming the columns is skipped; duplicate keys are rejected.
func LoadTruthCSV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ground truth: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 2

	truth := make(map[string]string)
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ground truth: %w", err)
		}
		if first {
			first = false
			if isTruthHeader(row) {
				continue
			}
		}
		key := strings.TrimSpace(row[0])
		label := strings.TrimSpace(row[1])
		if key == "" || label == "" {
			continue
		}
		if _, dup := truth[key]; dup {
			return nil, fmt.Errorf("ground truth: duplicate key %q", key)
		}
		truth[key] = label
	}
	if len(truth) == 0 {
		return nil, fmt.Errorf("ground truth %s has no usable rows", path)
	}
	return truth, nil
}

func isTruthHeader(row []string) bool {
	switch strings.ToLower(strings.TrimSpace(row[0])) {
	case "query", "text", "item_id", "id":
	default:
		return false
	}
	return strings.EqualFold(strings.TrimSpace(row[1]), "label")
}

// Join aligns a run's assignments with ground-truth labels, keyed by item
// id first and query text second. Items without a truth label are
// dropped; an empty intersection is an error.
func Join(assignments []store.Assignment, truth map[string]string) (trueLabels, predLabels []string, err error) {
	for _, a := range assignments {
		label, ok := truth[a.ItemID]
		if !ok {
			label, ok = truth[a.Text]
		}
		if !ok {
			continue
		}
		trueLabels = append(trueLabels, label)
		predLabels = append(predLabels, a.ClusterID)
	}
	if len(trueLabels) == 0 {
		return nil, nil, fmt.Errorf("no assignments match the ground truth keys")
	}
	return trueLabels, predLabels, nil
}

// Compare computes the agreement metrics over aligned label pairs.
func Compare(trueLabels, predLabels []string) (Scores, error) {
	if len(trueLabels) != len(predLabels) {
		return Scores{}, fmt.Errorf("label slices differ in length: %d vs %d", len(trueLabels), len(predLabels))
	}
	if len(trueLabels) == 0 {
		return Scores{}, fmt.Errorf("no label pairs to score")
	}

	c := newContingency(trueLabels, predLabels)
	s := Scores{Pairs: len(trueLabels), MI: c.mutualInfo()}

	// Two trivial labelings (one class each) agree perfectly.
	if len(c.rows) == 1 && len(c.cols) == 1 {
		s.NMI, s.AMI = 1, 1
		return s, nil
	}

	hTrue, hPred := entropy(c.rows, c.n), entropy(c.cols, c.n)
	mean := (hTrue + hPred) / 2
	if s.MI > 0 && mean > 0 {
		s.NMI = s.MI / mean
	}

	emi := c.expectedMutualInfo()
	if denom := mean - emi; denom != 0 {
		s.AMI = (s.MI - emi) / denom
	}
	return s, nil
}

// contingency is the joint count table of two labelings over the same
// items. rows index true labels, cols predicted labels.
type contingency struct {
	cells map[[2]int]int
	rows  []int // per-true-label totals
	cols  []int // per-predicted-label totals
	n     int
}

func newContingency(trueLabels, predLabels []string) *contingency {
	c := &contingency{cells: make(map[[2]int]int), n: len(trueLabels)}
	rowIdx := make(map[string]int)
	colIdx := make(map[string]int)
	for k := range trueLabels {
		i, ok := rowIdx[trueLabels[k]]
		if !ok {
			i = len(c.rows)
			rowIdx[trueLabels[k]] = i
			c.rows = append(c.rows, 0)
		}
		j, ok := colIdx[predLabels[k]]
		if !ok {
			j = len(c.cols)
			colIdx[predLabels[k]] = j
			c.cols = append(c.cols, 0)
		}
		c.cells[[2]int{i, j}]++
		c.rows[i]++
		c.cols[j]++
	}
	return c
}

func (c *contingency) mutualInfo() float64 {
	n := float64(c.n)
	var mi float64
	for cell, count := range c.cells {
		nij := float64(count)
		mi += (nij / n) * math.Log(n*nij/(float64(c.rows[cell[0]])*float64(c.cols[cell[1]])))
	}
	if mi < 0 {
		return 0 // rounding noise on independent labelings
	}
	return mi
}

// expectedMutualInfo is the expectation of mutualInfo over random
// labelings with these marginals (hypergeometric model), computed in log
// space with lgamma to keep the factorials finite.
func (c *contingency) expectedMutualInfo() float64 {
	n := float64(c.n)
	lgN, _ := math.Lgamma(n + 1)
	var emi float64
	for _, ai := range c.rows {
		for _, bj := range c.cols {
			a, b := float64(ai), float64(bj)
			start := ai + bj - c.n
			if start < 1 {
				start = 1
			}
			end := ai
			if bj < end {
				end = bj
			}
			for k := start; k <= end; k++ {
				nij := float64(k)
				term := (nij / n) * math.Log(n*nij/(a*b))
				lgA, _ := math.Lgamma(a + 1)
				lgB, _ := math.Lgamma(b + 1)
				lgNA, _ := math.Lgamma(n - a + 1)
				lgNB, _ := math.Lgamma(n - b + 1)
				lgNij, _ := math.Lgamma(nij + 1)
				lgAN, _ := math.Lgamma(a - nij + 1)
				lgBN, _ := math.Lgamma(b - nij + 1)
				lgRest, _ := math.Lgamma(n - a - b + nij + 1)
				logP := lgA + lgB + lgNA + lgNB - lgN - lgNij - lgAN - lgBN - lgRest
				emi += term * math.Exp(logP)
			}
		}
	}
	return emi
}

func entropy(totals []int, n int) float64 {
	var h float64
	for _, t := range totals {
		if t == 0 {
			continue
		}
		p := float64(t) / float64(n)
		h -= p * math.Log(p)
	}
	return h
}
