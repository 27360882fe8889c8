package ice

import (
	"log/slog"
	"sort"
)

// maxChecklistPairs caps the check list; the Cartesian product of two busy
// hosts can explode and everything past this is noise. The value is the
// customary connectivity-check budget of ICE agents; truncation is logged.
const maxChecklistPairs = 100

// buildChecklist forms the full local x remote product for a component,
// prunes it, sorts by pair priority and unfreezes the top pair of each
// foundation.
func (c *Component) buildChecklist(controlling bool) {
	c.checklist = nil
	c.triggered = nil

	for li, local := range c.local {
		for ri, remote := range c.remote {
			if !pairable(local, remote) {
				continue
			}
			p := &CandidatePair{
				local:      li,
				remote:     ri,
				foundation: local.Foundation + ":" + remote.Foundation,
				state:      PairFrozen,
			}
			p.computePriority(local, remote, controlling)
			c.checklist = append(c.checklist, p)
		}
	}

	c.sortChecklist()
	c.pruneChecklist()
	c.unfreezeInitial()
}

// pairable rejects combinations that can never work: mixed address
// families, or transports that cannot interoperate.
func pairable(local, remote *Candidate) bool {
	if !local.Addr.SameFamily(remote.Addr) {
		return false
	}
	switch local.Transport {
	case TransportUDP:
		return remote.Transport == TransportUDP
	case TransportTCPActive:
		return remote.Transport == TransportTCPPassive ||
			remote.Transport == TransportTCPSimultaneousOpen
	case TransportTCPPassive:
		return remote.Transport == TransportTCPActive ||
			remote.Transport == TransportTCPSimultaneousOpen
	default:
		return remote.Transport != TransportUDP
	}
}

func (c *Component) sortChecklist() {
	sort.SliceStable(c.checklist, func(i, j int) bool {
		return c.checklist[i].priority > c.checklist[j].priority
	})
}

// pruneChecklist drops lower-priority duplicates of the same (local base,
// remote) path and truncates the tail. The list must be sorted.
func (c *Component) pruneChecklist() {
	type key struct {
		base   TransportAddress
		remote TransportAddress
	}
	seen := make(map[key]bool)
	kept := c.checklist[:0]
	dropped := 0
	for _, p := range c.checklist {
		k := key{c.localCandidate(p).Base, c.remoteCandidate(p).Addr}
		if seen[k] {
			continue
		}
		seen[k] = true
		if len(kept) == maxChecklistPairs {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	c.checklist = kept
	if dropped > 0 {
		slog.Warn("ice: check list truncated",
			"stream", c.streamID, "component", c.id,
			"kept", len(kept), "dropped", dropped)
	}
}

// unfreezeInitial moves the best pair of every distinct foundation to
// waiting so each path class gets probed.
func (c *Component) unfreezeInitial() {
	seen := make(map[string]bool)
	for _, p := range c.checklist {
		if p.state != PairFrozen || seen[p.foundation] {
			continue
		}
		seen[p.foundation] = true
		p.state = PairWaiting
	}
}

// unfreezeFoundation thaws frozen pairs sharing a foundation after one of
// them succeeded.
func (c *Component) unfreezeFoundation(foundation string) {
	for _, p := range c.checklist {
		if p.state == PairFrozen && p.foundation == foundation {
			p.state = PairWaiting
		}
	}
}

// recomputePriorities refreshes every pair priority after a role switch and
// restores priority order.
func (c *Component) recomputePriorities(controlling bool) {
	for _, p := range c.checklist {
		p.computePriority(c.localCandidate(p), c.remoteCandidate(p), controlling)
	}
	c.sortChecklist()
}

// nextPair picks the pair to check on a pacing tick: triggered queue first,
// then the best waiting pair.
func (c *Component) nextPair() *CandidatePair {
	for len(c.triggered) > 0 {
		p := c.triggered[0]
		c.triggered = c.triggered[1:]
		if p.state == PairWaiting || p.state == PairFrozen || p.recheck ||
			p.wantNominate {
			return p
		}
	}
	for _, p := range c.checklist {
		if p.state == PairWaiting {
			return p
		}
	}
	return nil
}

// enqueueTriggered puts a pair at the back of the triggered queue unless it
// is already queued.
func (c *Component) enqueueTriggered(p *CandidatePair) {
	for _, q := range c.triggered {
		if q == p {
			return
		}
	}
	c.triggered = append(c.triggered, p)
}

// findPair locates the pair for a (local, remote) candidate index pair.
func (c *Component) findPair(local, remote int) *CandidatePair {
	for _, p := range c.checklist {
		if p.local == local && p.remote == remote {
			return p
		}
	}
	return nil
}

// findPairByTransaction matches an inbound response to its outstanding
// check.
func (c *Component) findPairByTransaction(id [12]byte) *CandidatePair {
	for _, p := range c.checklist {
		if p.state == PairInProgress && p.transactionID == id {
			return p
		}
	}
	return nil
}

// bestSucceeded returns the highest-priority succeeded pair, nominated ones
// first.
func (c *Component) bestSucceeded() *CandidatePair {
	var best *CandidatePair
	for _, p := range c.checklist {
		if p.state != PairSucceeded {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		if p.nominated != best.nominated {
			if p.nominated {
				best = p
			}
			continue
		}
		if p.priority > best.priority {
			best = p
		}
	}
	return best
}

// checklistExhausted reports whether no further ordinary progress is
// possible.
func (c *Component) checklistExhausted() bool {
	if len(c.checklist) == 0 {
		return false
	}
	for _, p := range c.checklist {
		switch p.state {
		case PairFrozen, PairWaiting, PairInProgress:
			return false
		}
	}
	return true
}

// anySucceededNominated reports whether a nominated pair exists.
func (c *Component) anySucceededNominated() bool {
	for _, p := range c.checklist {
		if p.state == PairSucceeded && p.nominated {
			return true
		}
	}
	return false
}
