package engine

import (
	"math"

	"github.com/taxolab/taxo/internal/cluster"
)

// Policy bounds the refinement run. Every cap exists to guarantee
// termination independent of reviewer behavior; the reviewer is an
// untrusted decision source that may keep asking for more structure.
type Policy struct {
	// MaxDepth is the hard cap on subdivision depth. A split that would
	// create children deeper than this is downgraded to keep.
	MaxDepth int

	// MinClusterSize is the absolute floor below which a cluster is never
	// offered a split.
	MinClusterSize int

	// MinClusterRatio raises the floor proportionally to the dataset:
	// the effective minimum is max(MinClusterSize, ratio*total).
	MinClusterRatio float64

	// MaxReviewsPerCluster caps reviews along one lineage. Children count
	// their ancestors' reviews, which prevents assign/split oscillation.
	MaxReviewsPerCluster int

	// GlobalReviewBudget caps oracle calls for the whole run; zero means
	// unlimited. Once spent, remaining queue entries drain as forced keeps.
	GlobalReviewBudget int

	// MaxNeighbors caps how many live clusters are offered as assign
	// targets in one review request.
	MaxNeighbors int

	// ReviewWorkers bounds concurrent oracle calls. Decisions still apply
	// in the order their calls were issued.
	ReviewWorkers int

	// InitialK is the requested root count for seeding; zero lets the
	// seeder choose.
	InitialK int

	// Goal and TargetRange are forwarded verbatim into review requests.
	Goal        string
	TargetRange string
}

func (p Policy) withDefaults() Policy {
	if p.MaxDepth <= 0 {
		p.MaxDepth = 3
	}
	if p.MinClusterSize <= 0 {
		p.MinClusterSize = 5
	}
	if p.MaxReviewsPerCluster <= 0 {
		p.MaxReviewsPerCluster = 4
	}
	if p.MaxNeighbors <= 0 {
		p.MaxNeighbors = 20
	}
	if p.ReviewWorkers <= 0 {
		p.ReviewWorkers = 4
	}
	return p
}

// minSize is the effective split floor for a dataset of the given size.
func (p Policy) minSize(total int) int {
	floor := p.MinClusterSize
	if byRatio := int(math.Round(p.MinClusterRatio * float64(total))); byRatio > floor {
		floor = byRatio
	}
	return floor
}

// splitAllowed reports whether the node may be offered a split decision.
func (p Policy) splitAllowed(node *cluster.Node, total int) bool {
	return node.Depth+1 <= p.MaxDepth && node.Size() > p.minSize(total)
}
