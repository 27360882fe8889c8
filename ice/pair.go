package ice

import (
	"time"

	"github.com/meshstream/icelink/stun"
)

// PairState is the check state of one candidate pair.
type PairState int

const (
	// PairFrozen: waiting for another pair of the same foundation to prove
	// the path class works.
	PairFrozen PairState = iota

	// PairWaiting: eligible for the next ordinary check.
	PairWaiting

	// PairInProgress: a check transaction is outstanding.
	PairInProgress

	// PairSucceeded: a check was answered and validated.
	PairSucceeded

	// PairFailed: the check timed out or was rejected.
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	}
	return "invalid"
}

// CandidatePair is one (local, remote) combination under test. Candidates
// are referenced by index into the owning component's candidate lists, not
// by pointer, so list mutation cannot leave pairs dangling.
type CandidatePair struct {
	local  int
	remote int

	foundation string
	priority   uint64
	state      PairState
	nominated  bool

	// wantNominate marks the pair for a USE-CANDIDATE recheck under
	// regular nomination.
	wantNominate bool

	// useCandidate is set when the outstanding check carries the
	// nomination flag.
	useCandidate bool

	// Outstanding check transaction.
	transactionID stun.TransactionID
	timer         stun.TransTimer
	hasTimer      bool
	wire          []byte
	sockIndex     int
	remoteAddr    TransportAddress

	// peerNominated records a USE-CANDIDATE seen from the peer before the
	// pair succeeded.
	peerNominated bool

	// recheck marks a pair whose check must be rescheduled after a role
	// switch.
	recheck bool
}

// PairPriority combines the two candidate priorities so that both agents
// order identical pair sets identically. g is the controlling side's
// candidate priority, d the controlled side's.
func PairPriority(g, d uint32) uint64 {
	mn, mx := g, d
	if mn > mx {
		mn, mx = mx, mn
	}
	var tip uint64
	if g > d {
		tip = 1
	}
	return uint64(mn)<<32 + uint64(mx)<<1 + tip
}

// computePriority refreshes the pair priority for the current role.
func (p *CandidatePair) computePriority(local, remote *Candidate, controlling bool) {
	if controlling {
		p.priority = PairPriority(local.Priority, remote.Priority)
	} else {
		p.priority = PairPriority(remote.Priority, local.Priority)
	}
}

// armTimer starts the pair's retransmission schedule.
func (p *CandidatePair) armTimer(now time.Time, reliable bool) {
	if reliable {
		p.timer = stun.StartTimerReliable(now)
	} else {
		p.timer = stun.StartTimer(now)
	}
	p.hasTimer = true
}
