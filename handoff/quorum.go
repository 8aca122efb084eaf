package handoff

import (
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// Votes maps each signer to the checksum it asserted.
type Votes map[interfaces.NodeID]interfaces.Checksum

// Count returns the number of votes per checksum.
func (v Votes) Count() map[interfaces.Checksum]int {
	counts := make(map[interfaces.Checksum]int)
	for _, checksum := range v {
		counts[checksum]++
	}
	return counts
}

// Dissenters returns the signers whose checksum differs from agreed.
func (v Votes) Dissenters(agreed interfaces.Checksum) []interfaces.NodeID {
	var out []interfaces.NodeID
	for node, checksum := range v {
		if checksum != agreed {
			out = append(out, node)
		}
	}
	return out
}

// Predicates are the checks of the three rounds of a handoff. They are kept
// out of the state machine so fault-tolerance parameters can be swapped.
type Predicates struct {
	// ApplicationsAgree reports the checksum a quorum of applications agree on.
	ApplicationsAgree func(votes Votes, committee interfaces.Committee) (interfaces.Checksum, bool)

	// AgreementReachable reports whether some checksum can still reach the
	// application quorum once the missing members apply.
	AgreementReachable func(votes Votes, committee interfaces.Committee) bool

	// FetchComplete reports whether enough fragments were verified.
	FetchComplete func(succeeded int, committee interfaces.Committee) bool

	// Finalized reports whether enough confirmations agree on the checksum.
	Finalized func(votes Votes, agreed interfaces.Checksum, committee interfaces.Committee) bool

	// FaultsTolerated reports whether the number of faulty members is still
	// within what the committee tolerates.
	FaultsTolerated func(faulty int, committee interfaces.Committee) bool
}

// DefaultPredicates uses the committee's Quorum and Threshold.
func DefaultPredicates() Predicates {
	return Predicates{
		ApplicationsAgree: func(votes Votes, committee interfaces.Committee) (interfaces.Checksum, bool) {
			return ChecksumQuorum(votes, committee.Quorum)
		},
		AgreementReachable: func(votes Votes, committee interfaces.Committee) bool {
			return QuorumReachable(votes, committee.Size(), committee.Quorum)
		},
		FetchComplete: func(succeeded int, committee interfaces.Committee) bool {
			return ThresholdMet(succeeded, committee.Threshold)
		},
		Finalized: func(votes Votes, agreed interfaces.Checksum, committee interfaces.Committee) bool {
			return ConfirmationQuorum(votes, agreed, committee.Quorum)
		},
		FaultsTolerated: func(faulty int, committee interfaces.Committee) bool {
			return faulty <= committee.Size()-committee.Quorum
		},
	}
}

// ChecksumQuorum returns the checksum backed by at least quorum votes.
// Quorum is assumed to be a majority, so at most one checksum qualifies; the
// lexicographically smallest wins otherwise to keep the result deterministic.
func ChecksumQuorum(votes Votes, quorum int) (interfaces.Checksum, bool) {
	if quorum < 1 {
		return interfaces.Checksum{}, false
	}

	var best interfaces.Checksum
	found := false
	for checksum, n := range votes.Count() {
		if n < quorum {
			continue
		}
		if !found || lessChecksum(checksum, best) {
			best = checksum
			found = true
		}
	}
	return best, found
}

// QuorumReachable reports whether the leading checksum plus the members that
// have not voted yet can still reach quorum.
func QuorumReachable(votes Votes, size, quorum int) bool {
	leading := 0
	for _, n := range votes.Count() {
		if n > leading {
			leading = n
		}
	}
	return leading+(size-len(votes)) >= quorum
}

// ThresholdMet reports whether succeeded fragments suffice to reconstruct.
func ThresholdMet(succeeded, threshold int) bool {
	return threshold > 0 && succeeded >= threshold
}

// ConfirmationQuorum reports whether at least quorum confirmations cite agreed.
func ConfirmationQuorum(votes Votes, agreed interfaces.Checksum, quorum int) bool {
	return quorum > 0 && votes.Count()[agreed] >= quorum
}

// ThresholdReachable reports whether a fetch over targets can still succeed
// when permanent of them can never serve a valid fragment.
func ThresholdReachable(targets, permanent, threshold int) bool {
	return targets-permanent >= threshold
}

func lessChecksum(a, b interfaces.Checksum) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
