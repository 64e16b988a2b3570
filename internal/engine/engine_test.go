package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/taxolab/taxo/internal/cluster"
	"github.com/taxolab/taxo/internal/oracle"
	"github.com/taxolab/taxo/internal/seed"
)

// fakeSeeder delegates to a closure so each test scripts its own
// partitioning behavior.
type fakeSeeder struct {
	fn    func(points []seed.Point, k int) ([][]string, error)
	calls int
}

func (f *fakeSeeder) Partition(_ context.Context, points []seed.Point, k int) ([][]string, error) {
	f.calls++
	return f.fn(points, k)
}

type step struct {
	dec oracle.Decision
	err error
}

// scriptReviewer replays per-cluster decision scripts. Keyed by cluster id
// so concurrent review order does not matter; clusters without a script
// answer keep.
type scriptReviewer struct {
	mu    sync.Mutex
	steps map[string][]step
	calls int
}

func (s *scriptReviewer) Review(_ context.Context, req oracle.Request) (oracle.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	q := s.steps[req.Cluster.ID]
	if len(q) == 0 {
		return oracle.Decision{Kind: oracle.Keep}, nil
	}
	s.steps[req.Cluster.ID] = q[1:]
	return q[0].dec, q[0].err
}

// twoGroupItems builds n items, the first half near 0 and the rest near 10
// in one dimension, with ids q-01, q-02, ...
func twoGroupItems(n int) []cluster.Item {
	items := make([]cluster.Item, n)
	for i := range items {
		x := float32(i) * 0.1
		if i >= n/2 {
			x += 10
		}
		items[i] = cluster.Item{
			ID:     fmt.Sprintf("q-%02d", i+1),
			Text:   fmt.Sprintf("query number %d", i+1),
			Vector: []float32{x},
		}
	}
	return items
}

func allIDs(points []seed.Point) []string {
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	sort.Strings(ids)
	return ids
}

// bisect splits points into two halves by value, the natural grouping for
// twoGroupItems fixtures.
func bisect(points []seed.Point) [][]string {
	var lo, hi []string
	for _, p := range points {
		if p.Vector[0] < 5 {
			lo = append(lo, p.ID)
		} else {
			hi = append(hi, p.ID)
		}
	}
	sort.Strings(lo)
	sort.Strings(hi)
	return [][]string{lo, hi}
}

func newTestEngine(t *testing.T, items []cluster.Item, seeder seed.Seeder, reviewer oracle.Reviewer, policy Policy) (*Engine, *cluster.Registry) {
	t.Helper()
	reg, err := cluster.NewRegistry(items, 10)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if policy.ReviewWorkers == 0 {
		policy.ReviewWorkers = 1
	}
	return New(reg, seeder, reviewer, policy, zerolog.Nop()), reg
}

// assertPartition checks that every item is owned by exactly one
// non-dissolved cluster and ownership is consistent both ways.
func assertPartition(t *testing.T, reg *cluster.Registry) {
	t.Helper()
	owner := make(map[string]string)
	for _, n := range reg.Live() {
		for _, id := range n.Members {
			if prev, dup := owner[id]; dup {
				t.Fatalf("item %s owned by both %s and %s", id, prev, n.ID)
			}
			owner[id] = n.ID
		}
	}
	for _, it := range reg.Items() {
		if owner[it.ID] != it.ClusterID || it.ClusterID == "" {
			t.Fatalf("item %s: cluster_id %q, member of %q", it.ID, it.ClusterID, owner[it.ID])
		}
	}
}

func TestRunSplitThenKeep(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, k int) ([][]string, error) {
		if k == 2 {
			return bisect(points), nil
		}
		return [][]string{allIDs(points)}, nil // deliberately coarse seed
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Split, K: 2}}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{MinClusterSize: 1})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := reg.Finalized()
	if len(final) != 2 {
		t.Fatalf("expected 2 finalized clusters, got %d", len(final))
	}
	assertPartition(t, reg)
	if final[0].Size()+final[1].Size() != 6 {
		t.Fatalf("finalized clusters cover %d items", final[0].Size()+final[1].Size())
	}
	for _, n := range final {
		if n.ReviewCount != 2 {
			t.Errorf("cluster %s review count = %d, want 2 (one own review plus the lineage split)", n.ID, n.ReviewCount)
		}
	}
	root, _ := reg.Get("c-001")
	if root.Status != cluster.StatusDissolved || root.Size() != 0 {
		t.Errorf("root should be dissolved and empty, got %s with %d members", root.Status, root.Size())
	}
	if report.OracleCalls != 3 {
		t.Errorf("oracle calls = %d, want 3", report.OracleCalls)
	}
	if report.FinalClusters != 2 {
		t.Errorf("report.FinalClusters = %d", report.FinalClusters)
	}
}

func TestRunTerminatesAgainstAdversarialSplitter(t *testing.T) {
	items := twoGroupItems(16)
	seeder := &fakeSeeder{fn: func(points []seed.Point, k int) ([][]string, error) {
		if k == 0 {
			return [][]string{allIDs(points)}, nil
		}
		// always bisect by id, regardless of geometry
		ids := allIDs(points)
		return [][]string{ids[:len(ids)/2], ids[len(ids)/2:]}, nil
	}}
	alwaysSplit := &adversarialReviewer{}
	eng, reg := newTestEngine(t, items, seeder, alwaysSplit, Policy{
		MaxDepth:       3,
		MinClusterSize: 1,
	})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertPartition(t, reg)
	for _, n := range reg.Live() {
		if !n.Status.Terminal() {
			t.Errorf("cluster %s ended non-terminal: %s", n.ID, n.Status)
		}
	}
	if report.Downgrades == 0 {
		t.Error("depth cap never downgraded a split")
	}
	if report.FinalClusters == 0 {
		t.Error("no finalized clusters")
	}
}

type adversarialReviewer struct{}

func (adversarialReviewer) Review(context.Context, oracle.Request) (oracle.Decision, error) {
	return oracle.Decision{Kind: oracle.Split, K: 2}, nil
}

func TestKeepChangesNothing(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{})

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := reg.Finalized()
	if len(final) != 2 {
		t.Fatalf("expected 2 finalized clusters, got %d", len(final))
	}
	want := bisectIDs(items)
	for i, n := range final {
		if !equalIDs(n.Members, want[i]) {
			t.Errorf("cluster %s members changed under keep: %v", n.ID, n.Members)
		}
	}
	assertPartition(t, reg)
}

func bisectIDs(items []cluster.Item) [][]string {
	var lo, hi []string
	for _, it := range items {
		if it.Vector[0] < 5 {
			lo = append(lo, it.ID)
		} else {
			hi = append(hi, it.ID)
		}
	}
	sort.Strings(lo)
	sort.Strings(hi)
	return [][]string{lo, hi}
}

func TestAssignSubsetConservation(t *testing.T) {
	items := twoGroupItems(6) // c-001: q-01..q-03, c-002: q-04..q-06
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Assign, TargetID: "c-002", ItemIDs: []string{"q-01", "q-02"}}}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	source, _ := reg.Get("c-001")
	target, _ := reg.Get("c-002")
	if !equalIDs(source.Members, []string{"q-03"}) {
		t.Errorf("source members = %v, want [q-03]", source.Members)
	}
	if !target.Owns("q-01") || !target.Owns("q-02") || target.Size() != 5 {
		t.Errorf("target members = %v", target.Members)
	}
	if source.Status != cluster.StatusFinalized {
		t.Errorf("requeued source ended %s", source.Status)
	}
	// source assign, target review, source re-review
	if report.OracleCalls != 3 {
		t.Errorf("oracle calls = %d, want 3", report.OracleCalls)
	}
	assertPartition(t, reg)
}

func TestAssignWholeClusterDissolvesSource(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Assign, TargetID: "c-002", Label: "everything"}}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{})

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	source, _ := reg.Get("c-001")
	target, _ := reg.Get("c-002")
	if source.Status != cluster.StatusDissolved || source.Size() != 0 {
		t.Errorf("source: %s with %d members", source.Status, source.Size())
	}
	if target.Size() != 6 || target.Label != "everything" {
		t.Errorf("target size %d label %q", target.Size(), target.Label)
	}
	assertPartition(t, reg)
}

func TestCreatePromotesSubsetToNewRoot(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Create, Label: "password resets", ItemIDs: []string{"q-01"}}}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{})

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	created, ok := reg.Get("c-003")
	if !ok {
		t.Fatal("created cluster missing")
	}
	if created.Depth != 0 || created.ParentID != "" {
		t.Errorf("created cluster should be a root, got depth %d parent %q", created.Depth, created.ParentID)
	}
	if created.Label != "password resets" || !equalIDs(created.Members, []string{"q-01"}) {
		t.Errorf("created cluster label %q members %v", created.Label, created.Members)
	}
	if created.Status != cluster.StatusFinalized {
		t.Errorf("created cluster ended %s", created.Status)
	}
	assertPartition(t, reg)
}

func TestStaleDecisionRequeuedWithoutMutation(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	// Both roots reviewed in one concurrent batch. c-001 moves everything
	// into c-002; c-002's whole-cluster create was computed against its
	// pre-merge membership and must be rejected as stale, then re-reviewed.
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Assign, TargetID: "c-002"}}},
		"c-002": {
			{dec: oracle.Decision{Kind: oracle.Create, Label: "spun out"}},
			{dec: oracle.Decision{Kind: oracle.Keep}},
		},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{ReviewWorkers: 2})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.StaleRequeues != 1 {
		t.Fatalf("stale requeues = %d, want 1", report.StaleRequeues)
	}
	if _, ok := reg.Get("c-003"); ok {
		t.Error("stale create still mutated state")
	}
	target, _ := reg.Get("c-002")
	if target.Size() != 6 || target.Status != cluster.StatusFinalized {
		t.Errorf("target: %s with %d members", target.Status, target.Size())
	}
	assertPartition(t, reg)
}

func TestOracleFailureForcesKeep(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{err: errors.New("oracle exploded")}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.ForcedKeeps) != 1 || report.ForcedKeeps[0].ClusterID != "c-001" {
		t.Fatalf("forced keeps = %+v", report.ForcedKeeps)
	}
	node, _ := reg.Get("c-001")
	if node.Status != cluster.StatusFinalized {
		t.Errorf("failed cluster ended %s", node.Status)
	}
	assertPartition(t, reg)
}

func TestGlobalBudgetDrainsRemainderAsForcedKeeps(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{GlobalReviewBudget: 1})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.OracleCalls != 1 {
		t.Errorf("oracle calls = %d, want 1", report.OracleCalls)
	}
	if len(report.ForcedKeeps) != 1 {
		t.Errorf("forced keeps = %+v", report.ForcedKeeps)
	}
	for _, n := range reg.Live() {
		if n.Status != cluster.StatusFinalized {
			t.Errorf("cluster %s ended %s", n.ID, n.Status)
		}
	}
	assertPartition(t, reg)
}

func TestReviewCapForcesKeepOnRequeue(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return bisect(points), nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Assign, TargetID: "c-002", ItemIDs: []string{"q-01"}}}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{MaxReviewsPerCluster: 1})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// the requeued source is already at the cap, so it never goes back out
	found := false
	for _, fk := range report.ForcedKeeps {
		if fk.ClusterID == "c-001" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected c-001 forced keep, got %+v", report.ForcedKeeps)
	}
	node, _ := reg.Get("c-001")
	if node.Status != cluster.StatusFinalized || node.Size() != 2 {
		t.Errorf("source: %s with %d members", node.Status, node.Size())
	}
	assertPartition(t, reg)
}

func TestSplitDowngradedAtSizeFloor(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, _ int) ([][]string, error) {
		return [][]string{allIDs(points)}, nil
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Split, K: 3}}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{MinClusterSize: 10})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downgrades != 1 {
		t.Errorf("downgrades = %d, want 1", report.Downgrades)
	}
	node, _ := reg.Get("c-001")
	if node.Status != cluster.StatusFinalized || node.Size() != 6 {
		t.Errorf("downgraded cluster: %s with %d members", node.Status, node.Size())
	}
}

func TestSeederFailureIsFatal(t *testing.T) {
	items := twoGroupItems(4)
	seeder := &fakeSeeder{fn: func([]seed.Point, int) ([][]string, error) {
		return nil, seed.ErrUnavailable
	}}
	eng, _ := newTestEngine(t, items, seeder, &scriptReviewer{}, Policy{})
	eng.seedBackoff = 0

	if _, err := eng.Run(context.Background()); !errors.Is(err, seed.ErrUnavailable) {
		t.Fatalf("want seed.ErrUnavailable, got %v", err)
	}
	if seeder.calls != seedAttempts {
		t.Errorf("seeder called %d times, want %d", seeder.calls, seedAttempts)
	}
}

func TestLocalSplitFailureForcesKeep(t *testing.T) {
	items := twoGroupItems(6)
	seeder := &fakeSeeder{fn: func(points []seed.Point, k int) ([][]string, error) {
		if k == 0 {
			return [][]string{allIDs(points)}, nil
		}
		return nil, seed.ErrUnavailable
	}}
	reviewer := &scriptReviewer{steps: map[string][]step{
		"c-001": {{dec: oracle.Decision{Kind: oracle.Split, K: 2}}},
	}}
	eng, reg := newTestEngine(t, items, seeder, reviewer, Policy{MinClusterSize: 1})

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.ForcedKeeps) != 1 || report.ForcedKeeps[0].Reason != "split unavailable" {
		t.Fatalf("forced keeps = %+v", report.ForcedKeeps)
	}
	node, _ := reg.Get("c-001")
	if node.Status != cluster.StatusFinalized || node.Size() != 6 {
		t.Errorf("cluster: %s with %d members", node.Status, node.Size())
	}
}

func TestQueueDeduplicates(t *testing.T) {
	q := newQueue()
	if !q.push("a") || q.push("a") {
		t.Fatal("duplicate push accepted")
	}
	q.push("b")
	if id, _ := q.pop(); id != "a" {
		t.Fatalf("popped %s, want a", id)
	}
	if !q.push("a") {
		t.Fatal("re-push after pop rejected")
	}
	if q.len() != 2 {
		t.Fatalf("len = %d", q.len())
	}
}
