package main

import "time"

// Operational limits and timeouts — named constants for values referenced
// from multiple files, per §5 and §9 of the spec.
const (
	// registrationTimeout bounds the wait for the 001 welcome numeric
	// after NICK/USER are sent.
	registrationTimeout = 60 * time.Second

	// nickservIdentifyTimeout bounds the wait for a NickServ confirmation
	// notice after IDENTIFY is sent.
	nickservIdentifyTimeout = 5 * time.Second

	// reconnectDelay is the pause before a Session's single reconnect
	// attempt after a network error in the Ready state.
	reconnectDelay = 5 * time.Second

	// idleTickInterval is the resolution of the background idle-reclamation
	// sweep over channels and Sessions.
	idleTickInterval = 1 * time.Second

	// perChunkReadTimeout bounds a single DCC read; exceeding it fails the
	// transfer with "stalled".
	perChunkReadTimeout = 30 * time.Second

	// dccChunkSize is the recommended read/write granularity for DCC
	// transfers.
	dccChunkSize = 64 * 1024

	// mimeSniffThreshold is the minimum number of buffered bytes before the
	// MIME gate classifies the content.
	mimeSniffThreshold = 4 * 1024

	// maxIRCLine is the protocol payload limit, excluding the trailing
	// CRLF, per RFC 1459.
	maxIRCLine = 510

	// logRingSize is the number of most-recent structured log records kept
	// for the telemetry WebSocket feed.
	logRingSize = 1000

	// shutdownGrace is how long the Supervisor waits for in-progress
	// Transfers to reach a terminal state during orderly shutdown before
	// cancelling them outright.
	shutdownGrace = 5 * time.Second

	// reapInterval is the cadence of the Registry's finished-entry sweep.
	reapInterval = 1 * time.Second
)
