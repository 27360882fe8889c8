// Package metrics defines the prometheus instruments the library updates.
// Binaries expose them by mounting promhttp; library users who do not care
// pay one atomic add per event.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StunMessagesValidated counts inbound STUN validation outcomes.
	StunMessagesValidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icelink_stun_messages_validated_total",
			Help: "Inbound STUN messages by validation status.",
		},
		[]string{"status"},
	)

	// ChecksSent counts outbound connectivity checks, fresh and
	// retransmitted.
	ChecksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icelink_conncheck_sent_total",
			Help: "Connectivity checks sent.",
		},
		[]string{"kind"},
	)

	// ChecksReceived counts inbound connectivity checks.
	ChecksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icelink_conncheck_received_total",
			Help: "Connectivity checks received.",
		})

	// NominatedPairs counts nominations.
	NominatedPairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icelink_nominated_pairs_total",
			Help: "Candidate pairs nominated.",
		})

	// ComponentStateChanges counts component state transitions.
	ComponentStateChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icelink_component_state_changes_total",
			Help: "ICE component state transitions.",
		})

	// LocalCandidates and RemoteCandidates count the candidate population.
	LocalCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icelink_local_candidates_total",
			Help: "Local candidates gathered, by type.",
		},
		[]string{"type"},
	)

	RemoteCandidates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icelink_remote_candidates_total",
			Help: "Remote candidates installed.",
		})

	// DataBytesSent / DataBytesReceived count application payload moved
	// over nominated pairs.
	DataBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icelink_data_bytes_sent_total",
			Help: "Application bytes sent over candidate pairs.",
		})

	DataBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icelink_data_bytes_received_total",
			Help: "Application bytes received over candidate pairs.",
		})

	// Keepalives counts keepalive indications sent on selected pairs.
	Keepalives = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icelink_keepalives_sent_total",
			Help: "Keepalive indications sent.",
		})

	// ServerRequests counts requests handled by the bundled STUN server.
	ServerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icelink_server_requests_total",
			Help: "Requests handled by the STUN server, by outcome.",
		},
		[]string{"outcome"},
	)
)
