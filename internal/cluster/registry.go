package cluster

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultSampleSize caps the representative texts kept per cluster.
const DefaultSampleSize = 10

// Registry owns all items and cluster nodes for one run. It is not safe
// for concurrent use; the refinement engine applies every mutation from a
// single goroutine.
type Registry struct {
	items      map[string]*Item
	nodes      map[string]*Node
	order      []string // node ids in creation order
	nextID     int
	sampleSize int
}

// NewRegistry builds a registry over the given items. Items start
// unassigned; seeding assigns every item to a root node. Duplicate item
// ids are rejected.
func NewRegistry(items []Item, sampleSize int) (*Registry, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	r := &Registry{
		items:      make(map[string]*Item, len(items)),
		nodes:      make(map[string]*Node),
		sampleSize: sampleSize,
	}
	for i := range items {
		it := items[i]
		if it.ID == "" {
			return nil, fmt.Errorf("%w: item %d has empty id", ErrInvariant, i)
		}
		if _, dup := r.items[it.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate item id %q", ErrInvariant, it.ID)
		}
		it.ClusterID = ""
		r.items[it.ID] = &it
	}
	return r, nil
}

// Create makes a new cluster node owning the given items, atomically
// removing them from their current owners. parentID is "" for roots;
// label may be empty and is usually set later by an oracle decision.
func (r *Registry) Create(parentID string, memberIDs []string, label string) (*Node, error) {
	depth := 0
	if parentID != "" {
		parent, ok := r.nodes[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent cluster %q", ErrNotFound, parentID)
		}
		depth = parent.Depth + 1
	}
	if len(memberIDs) == 0 {
		return nil, fmt.Errorf("%w: creating cluster with no members", ErrInvariant)
	}
	for _, id := range memberIDs {
		if _, ok := r.items[id]; !ok {
			return nil, fmt.Errorf("%w: unknown item %q", ErrInvariant, id)
		}
	}

	r.nextID++
	node := &Node{
		ID:       fmt.Sprintf("c-%03d", r.nextID),
		ParentID: parentID,
		Depth:    depth,
		Label:    label,
		Status:   StatusPendingReview,
	}
	r.nodes[node.ID] = node
	r.order = append(r.order, node.ID)

	if err := r.move(memberIDs, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Reassign atomically moves the given items to the target cluster,
// recomputing centroid and samples on both ends. It fails with
// ErrInvariant if any item is unknown, and with ErrInvariant if the
// target is dissolved; no state changes on failure.
func (r *Registry) Reassign(itemIDs []string, toID string) error {
	target, ok := r.nodes[toID]
	if !ok {
		return fmt.Errorf("%w: target cluster %q", ErrNotFound, toID)
	}
	if target.Status == StatusDissolved {
		return fmt.Errorf("%w: reassign into dissolved cluster %q", ErrInvariant, toID)
	}
	for _, id := range itemIDs {
		if _, ok := r.items[id]; !ok {
			return fmt.Errorf("%w: unknown item %q", ErrInvariant, id)
		}
	}
	return r.move(itemIDs, target)
}

// Dissolve marks an empty cluster as dissolved. Members must already have
// been redistributed.
func (r *Registry) Dissolve(id string) error {
	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: cluster %q", ErrNotFound, id)
	}
	if len(node.Members) > 0 {
		return fmt.Errorf("%w: cluster %q still owns %d items", ErrNotEmpty, id, len(node.Members))
	}
	node.Status = StatusDissolved
	return nil
}

// Transition moves a node to the given status, rejecting transitions out
// of terminal states.
func (r *Registry) Transition(id string, to Status) error {
	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: cluster %q", ErrNotFound, id)
	}
	if node.Status.Terminal() {
		return fmt.Errorf("%w: cluster %q is %s", ErrInvariant, id, node.Status)
	}
	node.Status = to
	return nil
}

// Get returns the node with the given id.
func (r *Registry) Get(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// Item returns the item with the given id.
func (r *Registry) Item(id string) (*Item, bool) {
	it, ok := r.items[id]
	return it, ok
}

// Describe returns the human-readable description for a cluster: its label
// when set, plus its representative samples.
func (r *Registry) Describe(id string) (string, error) {
	node, ok := r.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: cluster %q", ErrNotFound, id)
	}
	var b strings.Builder
	if node.Label != "" {
		b.WriteString(node.Label)
	} else {
		b.WriteString(fmt.Sprintf("unlabeled cluster of %d queries", len(node.Members)))
	}
	if len(node.Samples) > 0 {
		b.WriteString(". Examples: ")
		b.WriteString(strings.Join(node.Samples, " | "))
	}
	return b.String(), nil
}

// SampleMembers returns the centroid-nearest members of a cluster, capped
// at the registry sample size. The order matches the node's Samples field.
func (r *Registry) SampleMembers(id string) ([]*Item, error) {
	node, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: cluster %q", ErrNotFound, id)
	}
	ids := r.nearestIDs(node, r.sampleSize)
	out := make([]*Item, 0, len(ids))
	for _, itemID := range ids {
		out = append(out, r.items[itemID])
	}
	return out, nil
}

// All returns every node in creation order, dissolved ones included.
func (r *Registry) All() []*Node {
	out := make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// Live returns all non-dissolved nodes in creation order.
func (r *Registry) Live() []*Node {
	out := make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		if n := r.nodes[id]; n.Status != StatusDissolved {
			out = append(out, n)
		}
	}
	return out
}

// Finalized returns all finalized nodes in creation order.
func (r *Registry) Finalized() []*Node {
	out := make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		if n := r.nodes[id]; n.Status == StatusFinalized {
			out = append(out, n)
		}
	}
	return out
}

// Items returns every item, sorted by id.
func (r *Registry) Items() []*Item {
	out := make([]*Item, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ItemCount returns the number of items in the store.
func (r *Registry) ItemCount() int { return len(r.items) }

// Lineage reports whether a and b are on the same ancestor chain.
func (r *Registry) Lineage(a, b string) bool {
	return r.ancestorOf(a, b) || r.ancestorOf(b, a)
}

func (r *Registry) ancestorOf(anc, id string) bool {
	for id != "" {
		if id == anc {
			return true
		}
		node, ok := r.nodes[id]
		if !ok {
			return false
		}
		id = node.ParentID
	}
	return false
}

// move transfers items to target and refreshes every touched node. All
// inputs are pre-validated by the callers; failures here are impossible
// without a prior validation bug, so the transfer is effectively atomic.
func (r *Registry) move(itemIDs []string, target *Node) error {
	touched := map[string]*Node{target.ID: target}
	for _, id := range itemIDs {
		it := r.items[id]
		if it.ClusterID == target.ID {
			continue
		}
		if it.ClusterID != "" {
			src := r.nodes[it.ClusterID]
			src.Members = removeID(src.Members, id)
			touched[src.ID] = src
		}
		it.ClusterID = target.ID
		target.Members = insertID(target.Members, id)
	}
	for _, node := range touched {
		r.refresh(node)
	}
	return nil
}

// refresh recomputes centroid and representative samples after a
// membership change.
func (r *Registry) refresh(node *Node) {
	if len(node.Members) == 0 {
		node.Centroid = nil
		node.Samples = nil
		return
	}

	dims := len(r.items[node.Members[0]].Vector)
	sums := make([]float64, dims)
	for _, id := range node.Members {
		v := r.items[id].Vector
		for i := 0; i < dims && i < len(v); i++ {
			sums[i] += float64(v[i])
		}
	}
	centroid := make([]float32, dims)
	for i, s := range sums {
		centroid[i] = float32(s / float64(len(node.Members)))
	}
	node.Centroid = centroid
	node.Samples = r.nearestTexts(node, r.sampleSize)
}

// nearestTexts picks the centroid-nearest member texts.
func (r *Registry) nearestTexts(node *Node, limit int) []string {
	ids := r.nearestIDs(node, limit)
	texts := make([]string, 0, len(ids))
	for _, id := range ids {
		texts = append(texts, r.items[id].Text)
	}
	return texts
}

// nearestIDs orders members by distance to the centroid, ties broken by
// ascending item id. Members is already sorted by id, so a stable sort on
// distance alone preserves the tie-break.
func (r *Registry) nearestIDs(node *Node, limit int) []string {
	type scored struct {
		id   string
		dist float64
	}
	scores := make([]scored, 0, len(node.Members))
	for _, id := range node.Members {
		scores = append(scores, scored{id: id, dist: sqDistance(r.items[id].Vector, node.Centroid)})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].dist < scores[j].dist })
	if limit > len(scores) {
		limit = len(scores)
	}
	ids := make([]string, 0, limit)
	for _, s := range scores[:limit] {
		ids = append(ids, s.id)
	}
	return ids
}

func sqDistance(a []float32, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	if math.IsNaN(sum) {
		return math.Inf(1)
	}
	return sum
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func insertID(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
