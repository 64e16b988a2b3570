// Package ingest loads the input dataset and turns its texts into
// embedded items, going through the vector cache so re-runs over the same
// dataset cost no API calls.
package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Record is one input row before vectorization.
type Record struct {
	ID   string
	Text string
}

// CSVOptions selects the relevant columns of the input file.
type CSVOptions struct {
	// TextColumn names the column holding the query text. Empty tries
	// "text" then "query".
	TextColumn string
	// IDColumn names an optional stable id column. Empty generates
	// sequential ids q-0001, q-0002, ...
	IDColumn string
}

// LoadCSV reads the dataset. The first row must be a header; blank texts
// are skipped, duplicate ids rejected. TSV is detected from the extension.
func LoadCSV(path string, opts CSVOptions) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if strings.ToLower(filepath.Ext(path)) == ".tsv" {
		reader.Comma = '\t'
	}
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s: need a header row and at least one data row", path)
	}

	textCol, idCol, err := resolveColumns(rows[0], opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	seen := make(map[string]bool)
	records := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if textCol >= len(row) {
			continue
		}
		text := strings.TrimSpace(row[textCol])
		if text == "" {
			continue
		}
		id := fmt.Sprintf("q-%04d", len(records)+1)
		if idCol >= 0 && idCol < len(row) && strings.TrimSpace(row[idCol]) != "" {
			id = strings.TrimSpace(row[idCol])
		}
		if seen[id] {
			return nil, fmt.Errorf("%s: duplicate id %q at row %d", path, id, i+2)
		}
		seen[id] = true
		records = append(records, Record{ID: id, Text: text})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: no usable rows", path)
	}
	return records, nil
}

func resolveColumns(header []string, opts CSVOptions) (textCol, idCol int, err error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	textCol, idCol = -1, -1
	if opts.TextColumn != "" {
		col, ok := index[strings.ToLower(opts.TextColumn)]
		if !ok {
			return 0, 0, fmt.Errorf("text column %q not in header", opts.TextColumn)
		}
		textCol = col
	} else {
		for _, name := range []string{"text", "query"} {
			if col, ok := index[name]; ok {
				textCol = col
				break
			}
		}
		if textCol < 0 {
			return 0, 0, fmt.Errorf("no text column: pass one explicitly or name it 'text' or 'query'")
		}
	}

	if opts.IDColumn != "" {
		col, ok := index[strings.ToLower(opts.IDColumn)]
		if !ok {
			return 0, 0, fmt.Errorf("id column %q not in header", opts.IDColumn)
		}
		idCol = col
	}
	return textCol, idCol, nil
}
