package broker

import "time"

// Tunables of the broker core. These are deliberately compile-time
// constants, not configuration.
const (
	// sessionGCInterval is how often dead sessions are swept from the
	// sessions map.
	sessionGCInterval = 15 * time.Second

	// offlineSweepInterval is how often timed-out devices are demoted.
	offlineSweepInterval = 60 * time.Second

	// offlineCutoff is the heartbeat age beyond which an online device is
	// considered gone.
	offlineCutoff = 60 * time.Second

	// inboundReadTimeout terminates a session when no inbound request
	// arrives in the window.
	inboundReadTimeout = 30 * time.Second

	// heartbeatFailureCooldown throttles a session after a failed
	// heartbeat to avoid a busy loop with misbehaving clients.
	heartbeatFailureCooldown = 2 * time.Second

	// heartbeatTopicCapacity bounds the per-session heartbeat broadcast.
	// Slow subscribers lose old heartbeats; the reconcile task only needs
	// a recent one.
	heartbeatTopicCapacity = 2

	// Virtual-IP harvesting schedule after a successful instance start.
	harvestInitialDelay  = 3 * time.Second
	harvestRetryInterval = 2 * time.Second
	harvestMaxAttempts   = 3

	// harvestWorkers bounds concurrent harvest tasks.
	harvestWorkers = 4
)
