// Package cluster holds the item store and cluster registry: every input
// record, every cluster node, and the parent/child tree the refinement
// engine mutates. All state is in memory; the engine serializes access.
package cluster

import "errors"

// Status is the lifecycle state of a cluster node.
type Status string

const (
	// StatusPendingReview means the node is waiting in the work queue.
	StatusPendingReview Status = "pending_review"
	// StatusUnderReview means a review request for the node has been issued.
	StatusUnderReview Status = "under_review"
	// StatusFinalized is terminal: the node is part of the final partition.
	StatusFinalized Status = "finalized"
	// StatusDissolved is terminal: the node's members were redistributed.
	StatusDissolved Status = "dissolved"
)

// Terminal reports whether the status is a terminal lifecycle state.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusDissolved
}

// Item is a single input record. Text and Vector are immutable after load;
// ClusterID is the only mutable field and always names exactly one
// non-dissolved cluster once seeding has run.
type Item struct {
	ID        string
	Text      string
	Vector    []float32
	ClusterID string
}

// Node is one cluster in the registry.
//
// Members is kept sorted by item id. Only non-dissolved nodes own items;
// dissolving a node requires its members to have been redistributed first.
type Node struct {
	ID          string
	ParentID    string // "" for roots of the initial partition
	Depth       int
	Label       string
	Members     []string
	Centroid    []float32
	Samples     []string // centroid-nearest member texts, capped
	Status      Status
	ReviewCount int
}

// Size returns the current member count.
func (n *Node) Size() int { return len(n.Members) }

// Owns reports whether the node currently owns the given item id.
func (n *Node) Owns(itemID string) bool {
	for _, id := range n.Members {
		if id == itemID {
			return true
		}
	}
	return false
}

// Sentinel errors for registry contract violations. ErrInvariant and
// ErrNotEmpty indicate engine bugs and abort the run; ErrNotFound is
// returned for lookups of unknown ids.
var (
	ErrInvariant = errors.New("cluster: invariant violation")
	ErrNotEmpty  = errors.New("cluster: members not redistributed")
	ErrNotFound  = errors.New("cluster: not found")
)
