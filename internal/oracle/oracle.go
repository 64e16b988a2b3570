// Package oracle defines the semantic review contract: the request the
// engine builds for one cluster, the fixed decision taxonomy a reviewer
// must answer with, and the boundary validation that turns loosely-typed
// LLM output into exactly one well-formed decision.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks a reviewer response that could not be bounded into
// the decision taxonomy: unknown action, unknown item or target ids,
// missing required fields. The engine treats it as a forced keep after
// retries; it never mutates state.
var ErrMalformed = errors.New("oracle: malformed decision")

// Kind is a structural decision from the taxonomy.
type Kind string

const (
	// Keep finalizes the cluster unchanged.
	Keep Kind = "keep"
	// Split asks for a k-way local re-partition of the cluster.
	Split Kind = "split"
	// Assign moves members into an existing neighboring cluster.
	Assign Kind = "assign"
	// Create spins a subset out into a new top-level cluster.
	Create Kind = "create"
)

// Decision is the reviewer's answer for one cluster. ItemIDs empty on
// Assign/Create means the whole current membership.
type Decision struct {
	Kind     Kind
	K        int      // Split: requested number of groups
	TargetID string   // Assign: existing cluster to merge into
	Label    string   // Create: label for the new cluster; Assign: optional label refresh for the target
	ItemIDs  []string // Assign/Create: subset to move (ids from the request)
}

// ItemView is one member shown to the reviewer.
type ItemView struct {
	ID   string
	Text string
}

// ClusterView describes the cluster under review.
type ClusterView struct {
	ID           string
	Description  string
	Size         int
	Depth        int
	Items        []ItemView // representative sample, deterministic order
	SplitAllowed bool       // false at min size or max depth
}

// Neighbor is a live cluster the reviewer may pick as an Assign target.
type Neighbor struct {
	ID          string
	Description string
	Size        int
}

// Request is everything the reviewer sees for one cluster.
type Request struct {
	Cluster     ClusterView
	Neighbors   []Neighbor
	Goal        string // high-level labeling objective
	TargetRange string // e.g. "15", "10-20": desired final category count
}

// Reviewer returns exactly one decision for a cluster. Implementations
// must only reference ids present in the request.
type Reviewer interface {
	Review(ctx context.Context, req Request) (Decision, error)
}

// Validate bounds a decision against the request it answers. Any failure
// wraps ErrMalformed.
func Validate(req Request, dec Decision) error {
	switch dec.Kind {
	case Keep:
		return nil

	case Split:
		if dec.K < 2 {
			return fmt.Errorf("%w: split needs k >= 2, got %d", ErrMalformed, dec.K)
		}
		return nil

	case Assign:
		if dec.TargetID == "" {
			return fmt.Errorf("%w: assign without target_id", ErrMalformed)
		}
		if dec.TargetID == req.Cluster.ID {
			return fmt.Errorf("%w: assign targets the cluster under review", ErrMalformed)
		}
		if !knownNeighbor(req.Neighbors, dec.TargetID) {
			return fmt.Errorf("%w: assign target %q not in offered neighbors", ErrMalformed, dec.TargetID)
		}
		return validateItems(req, dec.ItemIDs)

	case Create:
		if strings.TrimSpace(dec.Label) == "" {
			return fmt.Errorf("%w: create without label", ErrMalformed)
		}
		return validateItems(req, dec.ItemIDs)

	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, dec.Kind)
	}
}

func knownNeighbor(neighbors []Neighbor, id string) bool {
	for _, n := range neighbors {
		if n.ID == id {
			return true
		}
	}
	return false
}

func validateItems(req Request, ids []string) error {
	if len(ids) == 0 {
		return nil // whole-cluster move
	}
	shown := make(map[string]bool, len(req.Cluster.Items))
	for _, it := range req.Cluster.Items {
		shown[it.ID] = true
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !shown[id] {
			return fmt.Errorf("%w: item %q not present in the reviewed cluster", ErrMalformed, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: item %q referenced twice", ErrMalformed, id)
		}
		seen[id] = true
	}
	return nil
}
