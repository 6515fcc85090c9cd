package peerqueue

import (
	"sort"

	"github.com/thinkermao/flexraft/raftpb"
)

// kthLargest returns the k-th largest (1-indexed) value in indexes, or 0 if
// k exceeds len(indexes).
func kthLargest(indexes []uint64, k int) uint64 {
	if k <= 0 || k > len(indexes) {
		return 0
	}
	sorted := append([]uint64(nil), indexes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return sorted[k-1]
}

// classicMajorityReplicatedIndex implements spec.md §4.4's "classic" rule:
// the (|voters|+1)/2-th largest last_received.index among voters.
func classicMajorityReplicatedIndex(voterIndexes []uint64) uint64 {
	return kthLargest(voterIndexes, raftpb.MajoritySize(len(voterIndexes)))
}

// regionMajorityReplicatedIndex returns the majority(region_size)-th
// largest last_received.index among a single region's voters, sizing the
// majority off config.VoterDistribution so a transiently short region
// doesn't inflate its own watermark.
func regionMajorityReplicatedIndex(regionIndexes []uint64, expectedSize int) uint64 {
	size := expectedSize
	if size == 0 {
		size = len(regionIndexes)
	}
	return kthLargest(regionIndexes, raftpb.MajoritySize(size))
}

// majorityReplicatedIndex dispatches on config.CommitRule.Mode, per
// spec.md §4.4's watermark-advancement rules.
func majorityReplicatedIndex(config raftpb.Config, leaderRegion string, byQuorum map[string][]uint64) uint64 {
	switch config.CommitRule.Mode {
	case raftpb.SingleRegionDynamic:
		return regionMajorityReplicatedIndex(byQuorum[leaderRegion], config.VoterDistribution[leaderRegion])

	case raftpb.StaticDisjunction, raftpb.StaticConjunction:
		perRegion := make(map[string]uint64, len(byQuorum))
		for region, indexes := range byQuorum {
			perRegion[region] = regionMajorityReplicatedIndex(indexes, config.VoterDistribution[region])
		}
		return quorumPredicateWatermark(config.CommitRule, perRegion)

	default:
		all := make([]uint64, 0, len(config.Peers))
		for _, idx := range byQuorum {
			all = append(all, idx...)
		}
		return classicMajorityReplicatedIndex(all)
	}
}

// quorumPredicateWatermark finds the highest index X such that the commit
// rule's predicate set is satisfied at X: disjunction requires any single
// predicate to have at least K of its regions at per-region-majority >= X;
// conjunction requires all predicates to.
func quorumPredicateWatermark(rule raftpb.CommitRule, perRegionMajority map[string]uint64) uint64 {
	candidates := make([]uint64, 0, len(perRegionMajority)+1)
	candidates = append(candidates, 0)
	for _, idx := range perRegionMajority {
		candidates = append(candidates, idx)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })

	for _, x := range candidates {
		if predicatesSatisfiedAt(rule, perRegionMajority, x) {
			return x
		}
	}
	return 0
}

func predicatesSatisfiedAt(rule raftpb.CommitRule, perRegionMajority map[string]uint64, x uint64) bool {
	satisfied := 0
	for _, p := range rule.Predicates {
		if predicateSatisfiedAt(p, perRegionMajority, x) {
			satisfied++
			if rule.Mode == raftpb.StaticDisjunction {
				return true
			}
		} else if rule.Mode == raftpb.StaticConjunction {
			return false
		}
	}
	if rule.Mode == raftpb.StaticConjunction {
		return len(rule.Predicates) > 0
	}
	return satisfied > 0
}

func predicateSatisfiedAt(p raftpb.RegionPredicate, perRegionMajority map[string]uint64, x uint64) bool {
	count := 0
	for _, region := range p.Regions {
		if perRegionMajority[region] >= x {
			count++
		}
	}
	return count >= p.K
}
