package ice

import (
	"crypto/rand"
)

// Credential sizes per the connectivity-check username/password rules.
const (
	ufragLen    = 4
	passwordLen = 22
)

// credentialAlphabet is the ice-char set.
const credentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func randomCredential(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("ice: rng unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = credentialAlphabet[int(b)%len(credentialAlphabet)]
	}
	return string(buf)
}

// Stream is one logical media path with one or more components.
type Stream struct {
	id         uint
	components []*Component

	localUfrag    string
	localPassword string

	remoteUfrag    string
	remotePassword string

	// gatherPending counts unresolved discovery transactions; the
	// gathering-done signal fires when it reaches zero.
	gatherPending int
	gatherDone    bool

	// initialCheckSeen gates the one-shot inbound-check signal.
	initialCheckSeen bool

	// portLo/portHi constrain local candidate ports when nonzero.
	portLo, portHi map[uint][2]uint16
}

func newStream(id uint, nComponents uint) *Stream {
	s := &Stream{
		id:            id,
		localUfrag:    randomCredential(ufragLen),
		localPassword: randomCredential(passwordLen),
		portLo:        make(map[uint][2]uint16),
	}
	for i := uint(1); i <= nComponents; i++ {
		s.components = append(s.components, &Component{
			id:       i,
			streamID: id,
			state:    StateDisconnected,
		})
	}
	return s
}

// ID returns the stream id.
func (s *Stream) ID() uint { return s.id }

// Component returns the 1-based component, nil when out of range.
func (s *Stream) Component(id uint) *Component {
	if id < 1 || id > uint(len(s.components)) {
		return nil
	}
	return s.components[id-1]
}

// LocalCredentials returns the stream's user fragment and password.
func (s *Stream) LocalCredentials() (ufrag, password string) {
	return s.localUfrag, s.localPassword
}

// checkUsername is the USERNAME this agent expects on inbound checks:
// local-ufrag:remote-ufrag.
func (s *Stream) checkUsername() string {
	return s.localUfrag + ":" + s.remoteUfrag
}

// outgoingUsername is the USERNAME put on outbound checks:
// remote-ufrag:local-ufrag.
func (s *Stream) outgoingUsername() string {
	return s.remoteUfrag + ":" + s.localUfrag
}
