package ice

import (
	"testing"
)

func TestCandidatePriorityFormula(t *testing.T) {
	// host (type preference 120), component 1, maximum local preference:
	// (120<<24) | (65535<<8) | 255.
	if got := CandidatePriority(typePrefHost, 65535, 1); got != 2_030_043_135 {
		t.Fatalf("host priority = %d, want 2030043135", got)
	}

	// Type preference dominates local preference, which dominates the
	// component id.
	host := CandidatePriority(typePrefHost, 0, 1)
	srflx := CandidatePriority(typePrefServerReflexive, 65535, 1)
	if host <= srflx {
		t.Error("host must outrank srflx regardless of local preference")
	}
	c1 := CandidatePriority(typePrefHost, 100, 1)
	c2 := CandidatePriority(typePrefHost, 100, 2)
	if c1 <= c2 {
		t.Error("component 1 must outrank component 2")
	}
}

func TestTypePreferences(t *testing.T) {
	tests := []struct {
		cand Candidate
		want uint32
	}{
		{Candidate{Type: CandidateHost}, 120},
		{Candidate{Type: CandidatePeerReflexive}, 110},
		{Candidate{Type: CandidateServerReflexive}, 100},
		{Candidate{Type: CandidateRelayed, Turn: &TurnServer{Type: RelayUDP}}, 30},
		{Candidate{Type: CandidateRelayed, Turn: &TurnServer{Type: RelayTCP}}, 20},
		{Candidate{Type: CandidateRelayed, Turn: &TurnServer{Type: RelayTLS}}, 20},
	}
	for _, tt := range tests {
		if got := tt.cand.typePreference(); got != tt.want {
			t.Errorf("%v type pref = %d, want %d", tt.cand.Type, got, tt.want)
		}
	}
}

func TestPairPriority(t *testing.T) {
	g, d := uint32(2_130_706_431), uint32(2_130_706_175)

	// The controlling side's view differs from the controlled side's
	// except when the candidate priorities tie.
	if PairPriority(g, d) == PairPriority(d, g) {
		t.Error("pair priority symmetric for distinct inputs")
	}
	if PairPriority(g, g) != PairPriority(g, g) {
		t.Error("pair priority unstable for equal inputs")
	}

	// Monotone in both arguments.
	if PairPriority(g, d) <= PairPriority(g-1, d) {
		t.Error("not monotone in the first argument")
	}
	if PairPriority(g, d) <= PairPriority(g, d-1) {
		t.Error("not monotone in the second argument")
	}

	// The min dominates: a pair of (small, huge) sorts below (mid, mid).
	if PairPriority(10, 4_000_000_000) >= PairPriority(1000, 1000) {
		t.Error("min(G,D) must dominate the ordering")
	}
}

func TestFoundationSharing(t *testing.T) {
	a := NewAgent(0)
	defer a.Close()

	base1 := mustAddr("10.0.0.1:1000")
	base2 := mustAddr("10.0.0.2:1000")

	f1 := a.foundationFor(CandidateHost, base1, "", TransportUDP)
	f2 := a.foundationFor(CandidateHost, base1, "", TransportUDP)
	if f1 != f2 {
		t.Error("same tuple produced different foundations")
	}
	if f1 == a.foundationFor(CandidateHost, base2, "", TransportUDP) {
		t.Error("different bases share a foundation")
	}
	if f1 == a.foundationFor(CandidateServerReflexive, base1, "stun:3478", TransportUDP) {
		t.Error("different kinds share a foundation")
	}
}

func TestRedundantCandidates(t *testing.T) {
	a := Candidate{Addr: mustAddr("10.0.0.1:1000"), Base: mustAddr("10.0.0.1:1000")}
	b := Candidate{Addr: mustAddr("10.0.0.1:1000"), Base: mustAddr("10.0.0.1:1000")}
	if !a.redundantWith(&b) {
		t.Error("identical candidates not redundant")
	}
	c := Candidate{Addr: mustAddr("10.0.0.1:1001"), Base: mustAddr("10.0.0.1:1000")}
	if a.redundantWith(&c) {
		t.Error("different advertised addresses flagged redundant")
	}
}

func mustAddr(s string) TransportAddress {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestAddressClassification(t *testing.T) {
	tests := []struct {
		addr     string
		loopback bool
		private  bool
	}{
		{"127.0.0.1:1", true, false},
		{"10.1.2.3:1", false, true},
		{"192.168.0.9:1", false, true},
		{"8.8.8.8:53", false, false},
		{"[::1]:1", true, false},
	}
	for _, tt := range tests {
		a := mustAddr(tt.addr)
		if a.IsLoopback() != tt.loopback {
			t.Errorf("%s loopback = %v", tt.addr, a.IsLoopback())
		}
		if a.IsPrivate() != tt.private {
			t.Errorf("%s private = %v", tt.addr, a.IsPrivate())
		}
	}
}
