package minicenter

// dist.go holds the policies used to spread a population of client
// nodes over a set of attachment points

import (
	"errors"
	"fmt"

	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
)

// DistPolicy selects how a total is split across bins
type DistPolicy string

const (
	// DistUniform gives every bin total/bins, pushing the remainder
	// into the first total%bins bins
	DistUniform DistPolicy = "uniform"

	// DistRandom places each unit in a bin drawn uniformly at random
	DistRandom DistPolicy = "random"
)

// ErrInvalidDistribution is returned when a distribution request is malformed
var ErrInvalidDistribution = errors.New("invalid distribution request")

// DistPolicies lists the policies we implement
var DistPolicies = []DistPolicy{DistUniform, DistRandom}

// ValidDistPolicy reports whether the named policy is one we implement
func ValidDistPolicy(policy DistPolicy) bool {
	return slices.Contains(DistPolicies, policy)
}

// Distribute returns a slice of length bins whose non-negative entries sum
// to total, split according to the given policy.  The rng argument feeds
// the random policy and may be nil, in which case a default named stream
// is created.  An error is returned if bins is non-positive, total is
// negative, or the policy is unknown.
func Distribute(total, bins int, policy DistPolicy, rng *rngstream.RngStream) ([]int, error) {
	if bins <= 0 {
		return nil, fmt.Errorf("%w: bins %d", ErrInvalidDistribution, bins)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: total %d", ErrInvalidDistribution, total)
	}

	dist := make([]int, bins)

	switch policy {
	case DistUniform:
		base := total / bins
		rem := total % bins
		for idx := 0; idx < bins; idx++ {
			dist[idx] = base
			if idx < rem {
				dist[idx] += 1
			}
		}
	case DistRandom:
		if rng == nil {
			rng = rngstream.New("dist")
		}
		for unit := 0; unit < total; unit++ {
			dist[rng.RandInt(0, bins-1)] += 1
		}
	default:
		return nil, fmt.Errorf("%w: policy %s", ErrInvalidDistribution, policy)
	}

	return dist, nil
}
