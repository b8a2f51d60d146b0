package realtime

import "time"

const (
	// Clients only send hello frames, so inbound frames stay small.
	maxFrameBytes = 4 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection inbound limits (events per window).
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second

	defaultSendQueueSize = 64
	minSendQueueSize     = 8
	defaultWriteTimeout  = 5 * time.Second
	closeGrace           = time.Second
)
