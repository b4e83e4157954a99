// Package defaults centralizes the transport's tunable constants.
package defaults

import "time"

const (
	// SessionQueueDepth bounds the per-session input and output channels.
	// Overflow drops the packet; the transport is best-effort.
	SessionQueueDepth = 1000
	// AcceptQueueDepth bounds the listener's accepted-session queue.
	AcceptQueueDepth = 256
	// StatisticsRing is how many samples a session's statistics ring keeps.
	StatisticsRing = 128

	// RecvTimeout kills a session that has not received a packet.
	RecvTimeout = 3600 * time.Second

	// HandshakePadSize is the padded plaintext size of handshake packets.
	HandshakePadSize = 1000

	// UDPShards and TCPShards are how many parallel flows a client opens.
	UDPShards = 8
	TCPShards = 16

	// UDPResetInterval is how often a UDP client rebinds a random shard to a
	// fresh local socket, shedding stale NAT entries.
	UDPResetInterval = 20 * time.Second

	// FallthroughPerMinute caps how often a packet already delivered to a
	// live session may additionally drive a handshake-decode attempt.
	FallthroughPerMinute = 5

	// HelloRetries and HelloBackoff govern the client handshake retry budget.
	HelloRetries = 5
	HelloBackoff = 500 * time.Millisecond
)
