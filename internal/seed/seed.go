// Package seed provides the partition seeder: the numeric service the
// refinement engine asks for an initial partition of the full item set and
// for local k-way splits of a single cluster's members.
package seed

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the seeder cannot produce a partition.
// The engine treats it as fatal during initial seeding and as a forced
// keep during local splits.
var ErrUnavailable = errors.New("seed: unavailable")

// Point is one vector with its owning item id.
type Point struct {
	ID     string
	Vector []float32
}

// Seeder partitions a set of points into at most k non-empty groups of
// item ids. When k <= 0 the seeder chooses k itself (initial call only).
type Seeder interface {
	Partition(ctx context.Context, points []Point, k int) ([][]string, error)
}
