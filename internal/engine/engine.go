// Package engine implements the queue-driven cluster refinement loop: it
// seeds an initial numeric partition, then repeatedly sends pending
// clusters to a semantic reviewer and applies the returned structural
// decisions until every cluster is terminal. Reviews run concurrently,
// but all mutations of the shared partition state are applied from a
// single goroutine in the order the reviews were issued.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/taxolab/taxo/internal/cluster"
	"github.com/taxolab/taxo/internal/oracle"
	"github.com/taxolab/taxo/internal/seed"
)

const seedAttempts = 3

// Engine drives one refinement run over a registry.
type Engine struct {
	reg      *cluster.Registry
	seeder   seed.Seeder
	reviewer oracle.Reviewer
	policy   Policy
	log      zerolog.Logger

	queue       *queue
	report      *Report
	seedBackoff time.Duration
}

// New wires a registry, a numeric partition seeder, and a semantic
// reviewer into an engine. Zero policy fields take defaults.
func New(reg *cluster.Registry, seeder seed.Seeder, reviewer oracle.Reviewer, policy Policy, log zerolog.Logger) *Engine {
	return &Engine{
		reg:         reg,
		seeder:      seeder,
		reviewer:    reviewer,
		policy:      policy.withDefaults(),
		log:         log.With().Str("component", "engine").Logger(),
		seedBackoff: time.Second,
	}
}

// Run seeds the initial partition and drains the review queue. Per-cluster
// failures are absorbed as forced keeps, so the run always ends with a
// full partition; only a seeding failure or a registry invariant violation
// aborts it. Cancelling the context stops issuing reviews and drains the
// rest of the queue as forced keeps.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.queue = newQueue()
	e.report = newReport(e.reg.ItemCount())

	if err := e.seedRoots(ctx); err != nil {
		return nil, err
	}

	for e.queue.len() > 0 {
		batch := e.nextBatch(ctx)
		if len(batch) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, p := range batch {
			g.Go(func() error {
				p.dec, p.err = e.reviewer.Review(gctx, p.req)
				return nil
			})
		}
		_ = g.Wait()

		// Issue order, not completion order, so runs with the same
		// reviewer responses are reproducible.
		for _, p := range batch {
			if err := e.apply(ctx, p); err != nil {
				return nil, err
			}
		}
	}

	e.finalizeStragglers()
	e.report.finish(e.reg)
	e.log.Info().
		Str("run", e.report.RunID).
		Int("clusters", e.report.FinalClusters).
		Int("oracle_calls", e.report.OracleCalls).
		Int("forced_keeps", len(e.report.ForcedKeeps)).
		Msg("refinement finished")
	return e.report, nil
}

// seedRoots asks the seeder for the initial partition and creates one root
// cluster per group. Persistent seeder failure is fatal: without a
// baseline partition there is nothing to refine.
func (e *Engine) seedRoots(ctx context.Context) error {
	items := e.reg.Items()
	if len(items) == 0 {
		return fmt.Errorf("seeding: no items loaded")
	}
	points := make([]seed.Point, len(items))
	for i, it := range items {
		points[i] = seed.Point{ID: it.ID, Vector: it.Vector}
	}

	var groups [][]string
	var err error
	for attempt := 0; attempt < seedAttempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, time.Duration(1<<attempt)*e.seedBackoff); serr != nil {
				return fmt.Errorf("seeding: %w", serr)
			}
		}
		if groups, err = e.seeder.Partition(ctx, points, e.policy.InitialK); err == nil {
			break
		}
		e.log.Warn().Err(err).Int("attempt", attempt+1).Msg("initial partition failed")
	}
	if err != nil {
		return fmt.Errorf("seeding initial partition: %w", err)
	}

	for _, group := range groups {
		node, cerr := e.reg.Create("", group, "")
		if cerr != nil {
			return fmt.Errorf("creating root cluster: %w", cerr)
		}
		e.queue.push(node.ID)
	}
	e.report.Seeded = len(groups)
	e.log.Info().Int("roots", len(groups)).Int("items", len(items)).Msg("seeded initial partition")
	return nil
}

// pending is one in-flight review: the request that was issued, the
// membership snapshot it was computed against, and the outcome.
type pending struct {
	id       string
	snapshot []string
	req      oracle.Request
	dec      oracle.Decision
	err      error
}

// nextBatch pops up to ReviewWorkers reviewable clusters, marking each
// under review. Clusters past a policy cap are finalized on the spot
// without spending an oracle call.
func (e *Engine) nextBatch(ctx context.Context) []*pending {
	batch := make([]*pending, 0, e.policy.ReviewWorkers)
	for len(batch) < e.policy.ReviewWorkers && e.queue.len() > 0 {
		id, _ := e.queue.pop()
		node, ok := e.reg.Get(id)
		if !ok || node.Status.Terminal() {
			continue // stale queue entry
		}
		if ctx.Err() != nil {
			e.forceKeep(node, "run canceled")
			continue
		}
		if e.budgetSpent() {
			e.forceKeep(node, "global review budget exhausted")
			continue
		}
		if node.ReviewCount >= e.policy.MaxReviewsPerCluster {
			e.forceKeep(node, "review cap reached")
			continue
		}

		if err := e.reg.Transition(id, cluster.StatusUnderReview); err != nil {
			continue
		}
		e.report.OracleCalls++
		batch = append(batch, &pending{
			id:       id,
			snapshot: append([]string(nil), node.Members...),
			req:      e.buildRequest(node),
		})
	}
	return batch
}

func (e *Engine) budgetSpent() bool {
	return e.policy.GlobalReviewBudget > 0 && e.report.OracleCalls >= e.policy.GlobalReviewBudget
}

func (e *Engine) buildRequest(node *cluster.Node) oracle.Request {
	sample, _ := e.reg.SampleMembers(node.ID)
	items := make([]oracle.ItemView, 0, len(sample))
	for _, it := range sample {
		items = append(items, oracle.ItemView{ID: it.ID, Text: it.Text})
	}
	desc, _ := e.reg.Describe(node.ID)
	return oracle.Request{
		Cluster: oracle.ClusterView{
			ID:           node.ID,
			Description:  desc,
			Size:         node.Size(),
			Depth:        node.Depth,
			Items:        items,
			SplitAllowed: e.policy.splitAllowed(node, e.reg.ItemCount()),
		},
		Neighbors:   e.neighbors(node),
		Goal:        e.policy.Goal,
		TargetRange: e.policy.TargetRange,
	}
}

// neighbors lists live clusters the reviewer may pick as assign targets:
// largest first, capped, excluding the node itself and its lineage.
func (e *Engine) neighbors(node *cluster.Node) []oracle.Neighbor {
	out := make([]oracle.Neighbor, 0, e.policy.MaxNeighbors)
	for _, n := range e.reg.Live() {
		if n.ID == node.ID || n.Size() == 0 || e.reg.Lineage(node.ID, n.ID) {
			continue
		}
		desc, _ := e.reg.Describe(n.ID)
		out = append(out, oracle.Neighbor{ID: n.ID, Description: desc, Size: n.Size()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	if len(out) > e.policy.MaxNeighbors {
		out = out[:e.policy.MaxNeighbors]
	}
	return out
}

// apply folds one review outcome into the shared state. Reviewer failures
// and stale decisions are absorbed here; a registry error escaping this
// method means a broken invariant and aborts the run.
func (e *Engine) apply(ctx context.Context, p *pending) error {
	node, ok := e.reg.Get(p.id)
	if !ok || node.Status != cluster.StatusUnderReview {
		return nil
	}
	node.ReviewCount++

	if p.err != nil {
		e.log.Warn().Err(p.err).Str("cluster", p.id).Msg("review failed")
		e.forceKeep(node, "oracle failure")
		return nil
	}
	if e.stale(node, p) {
		e.report.StaleRequeues++
		if err := e.reg.Transition(p.id, cluster.StatusPendingReview); err != nil {
			return err
		}
		e.queue.push(p.id)
		e.log.Debug().Str("cluster", p.id).Msg("stale decision, requeued")
		return nil
	}

	e.report.Decisions[string(p.dec.Kind)]++
	switch p.dec.Kind {
	case oracle.Keep:
		return e.reg.Transition(p.id, cluster.StatusFinalized)
	case oracle.Split:
		return e.applySplit(ctx, node, p.dec)
	case oracle.Assign:
		return e.applyAssign(node, p.dec)
	case oracle.Create:
		return e.applyCreate(node, p.dec)
	default:
		// the reviewer contract validates kinds; treat anything else
		// like a malformed response
		e.forceKeep(node, "unknown decision kind")
		return nil
	}
}

// stale reports whether the decision was computed against membership that
// has since changed under it, or names a target that no longer accepts
// items. Keep is never stale: it moves nothing.
func (e *Engine) stale(node *cluster.Node, p *pending) bool {
	if p.dec.Kind == oracle.Keep {
		return false
	}
	if p.dec.Kind == oracle.Assign {
		target, ok := e.reg.Get(p.dec.TargetID)
		if !ok || target.Status == cluster.StatusDissolved {
			return true
		}
		if e.reg.Lineage(node.ID, p.dec.TargetID) {
			return true
		}
	}
	if len(p.dec.ItemIDs) == 0 {
		return !equalIDs(node.Members, p.snapshot)
	}
	for _, id := range p.dec.ItemIDs {
		if !node.Owns(id) {
			return true
		}
	}
	return false
}

func (e *Engine) applySplit(ctx context.Context, node *cluster.Node, dec oracle.Decision) error {
	if !e.policy.splitAllowed(node, e.reg.ItemCount()) {
		e.report.Downgrades++
		e.log.Debug().Str("cluster", node.ID).Msg("split downgraded to keep")
		return e.reg.Transition(node.ID, cluster.StatusFinalized)
	}

	points := make([]seed.Point, 0, node.Size())
	for _, id := range node.Members {
		it, _ := e.reg.Item(id)
		points = append(points, seed.Point{ID: it.ID, Vector: it.Vector})
	}
	groups, err := e.seeder.Partition(ctx, points, dec.K)
	if err != nil || len(groups) < 2 {
		if err != nil {
			e.log.Warn().Err(err).Str("cluster", node.ID).Msg("local partition failed")
		}
		e.forceKeep(node, "split unavailable")
		return nil
	}

	for _, group := range groups {
		child, cerr := e.reg.Create(node.ID, group, "")
		if cerr != nil {
			return fmt.Errorf("splitting %s: %w", node.ID, cerr)
		}
		child.ReviewCount = node.ReviewCount
		e.queue.push(child.ID)
	}
	return e.reg.Dissolve(node.ID)
}

func (e *Engine) applyAssign(node *cluster.Node, dec oracle.Decision) error {
	ids := dec.ItemIDs
	if len(ids) == 0 {
		ids = append([]string(nil), node.Members...)
	}
	if err := e.reg.Reassign(ids, dec.TargetID); err != nil {
		return fmt.Errorf("assigning from %s to %s: %w", node.ID, dec.TargetID, err)
	}
	target, _ := e.reg.Get(dec.TargetID)
	if dec.Label != "" {
		target.Label = dec.Label
	}
	if !target.Status.Terminal() {
		e.queue.push(target.ID)
	}
	return e.settleSource(node)
}

func (e *Engine) applyCreate(node *cluster.Node, dec oracle.Decision) error {
	ids := dec.ItemIDs
	if len(ids) == 0 {
		ids = append([]string(nil), node.Members...)
	}
	child, err := e.reg.Create("", ids, dec.Label)
	if err != nil {
		return fmt.Errorf("creating from %s: %w", node.ID, err)
	}
	child.ReviewCount = node.ReviewCount
	e.queue.push(child.ID)
	return e.settleSource(node)
}

// settleSource returns a reviewed cluster to the queue after a partial
// move, or dissolves it when everything left.
func (e *Engine) settleSource(node *cluster.Node) error {
	if node.Size() == 0 {
		return e.reg.Dissolve(node.ID)
	}
	if err := e.reg.Transition(node.ID, cluster.StatusPendingReview); err != nil {
		return err
	}
	e.queue.push(node.ID)
	return nil
}

func (e *Engine) forceKeep(node *cluster.Node, reason string) {
	_ = e.reg.Transition(node.ID, cluster.StatusFinalized)
	e.report.ForcedKeeps = append(e.report.ForcedKeeps, ForcedKeep{ClusterID: node.ID, Reason: reason})
	e.log.Warn().Str("cluster", node.ID).Str("reason", reason).Msg("forced keep")
}

// finalizeStragglers force-finalizes anything still live and non-terminal
// once the queue is empty, so the run never ends with an open cluster.
func (e *Engine) finalizeStragglers() {
	for _, n := range e.reg.Live() {
		if !n.Status.Terminal() {
			e.forceKeep(n, "hard termination")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
