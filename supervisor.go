package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"dccbot/config"
)

// Supervisor is the top-level coordinator of §4.5: it holds the GlobalConfig,
// the Session map, and the Registry, resolves server hosts to Sessions on
// demand, routes control-plane operations, and drives orderly shutdown.
type Supervisor struct {
	global   *config.GlobalConfig
	registry *Registry
	log      *Telemetry

	mu       sync.RWMutex
	sessions map[string]*Session
	engines  map[TransferKey]*Engine

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor constructs a Supervisor. Call Start before routing any
// operator commands to it.
func NewSupervisor(global *config.GlobalConfig, registry *Registry, log *Telemetry) *Supervisor {
	return &Supervisor{
		global:   global,
		registry: registry,
		log:      log,
		sessions: make(map[string]*Session),
		engines:  make(map[TransferKey]*Engine),
	}
}

// Start begins the Registry reaper under ctx. Sessions created afterward
// inherit ctx as their own cancellation source.
func (sup *Supervisor) Start(ctx context.Context) {
	sup.ctx, sup.cancel = context.WithCancel(ctx)
	go sup.registry.RunReaper(sup.ctx, time.Duration(sup.global.TransferListTimeout)*time.Second, reapInterval, sup.log)
}

func (sup *Supervisor) runCtx() context.Context {
	if sup.ctx != nil {
		return sup.ctx
	}
	return context.Background()
}

// EnsureSession returns the Session for host, creating and starting it from
// servers[host] or default_server_config on first use, per §4.5.
func (sup *Supervisor) EnsureSession(host string) (*Session, error) {
	sup.mu.RLock()
	if s, ok := sup.sessions[host]; ok {
		sup.mu.RUnlock()
		return s, nil
	}
	sup.mu.RUnlock()

	cfg, ok := sup.global.ResolveServer(host)
	if !ok {
		return nil, ErrUnknownServer
	}

	sup.mu.Lock()
	if s, ok := sup.sessions[host]; ok {
		sup.mu.Unlock()
		return s, nil
	}
	sess := NewSession(host, cfg, sup.global, sup, sup.log)
	sup.sessions[host] = sess
	sup.mu.Unlock()

	go sess.Run(sup.runCtx())
	return sess, nil
}

// Join ensures a Session for host and joins channel.
func (sup *Supervisor) Join(host, channel string) error {
	sess, err := sup.EnsureSession(host)
	if err != nil {
		return err
	}
	return sess.Join(channel)
}

// Part parts channel on host's Session, if one exists.
func (sup *Supervisor) Part(host, channel string) error {
	sup.mu.RLock()
	sess, ok := sup.sessions[host]
	sup.mu.RUnlock()
	if !ok {
		return nil
	}
	return sess.Part(channel)
}

// Msg sends a PRIVMSG to target on host's Session, creating it if needed.
func (sup *Supervisor) Msg(host, target, text string) error {
	sess, err := sup.EnsureSession(host)
	if err != nil {
		return err
	}
	return sess.Msg(target, text)
}

// Cancel cancels the Transfer matching (host, peer, filename), if any.
func (sup *Supervisor) Cancel(host, peer, filename string) bool {
	return sup.registry.Cancel(TransferKey{Server: host, Peer: peer, Filename: filename})
}

// StartTransfer spawns a Transfer Engine for an inbound DCC offer, routed
// here by the owning Session's CTCP dispatch.
func (sup *Supervisor) StartTransfer(sess *Session, peer string, offer *DCCOffer) {
	key := TransferKey{Server: sess.Host, Peer: peer, Filename: offer.Filename}

	sup.mu.Lock()
	if _, exists := sup.engines[key]; exists {
		sup.mu.Unlock()
		sup.log.Warnf("supervisor", "%s: offer from %s ignored, already active", key, peer)
		return
	}
	engine := NewEngine(key, offer, sess, sup.registry, sup.global, sup.log)
	sup.engines[key] = engine
	sup.mu.Unlock()

	go func() {
		engine.Run(sup.runCtx())
		sup.mu.Lock()
		delete(sup.engines, key)
		sup.mu.Unlock()
	}()
}

// ResumeAccepted routes a peer's DCC ACCEPT reply to the Engine awaiting it.
func (sup *Supervisor) ResumeAccepted(host, peer string, msg *DCCAcceptMsg) {
	key := TransferKey{Server: host, Peer: peer, Filename: msg.Filename}
	sup.mu.RLock()
	engine, ok := sup.engines[key]
	sup.mu.RUnlock()
	if ok {
		engine.OfferAccept(msg)
	}
}

// AttachMD5 records an advertised MD5 digest found in a channel message
// against the single matching non-terminal Transfer from peer on host, per
// §4.1's inbound dispatch rule. Ambiguous (more than one in flight) or
// absent matches are skipped rather than guessed.
func (sup *Supervisor) AttachMD5(host, peer, text string) {
	digest := md5AdvertiseRegex.FindString(text)
	if digest == "" {
		return
	}
	var match TransferKey
	matches := 0
	for _, tr := range sup.registry.Snapshot() {
		if tr.Key.Server == host && tr.Key.Peer == peer && !tr.Status.Terminal() {
			match = tr.Key
			matches++
		}
	}
	if matches != 1 {
		return
	}
	sup.registry.Update(match, func(t *Transfer) { t.MD5Advertised = strings.ToLower(digest) })
}

// HasActiveTransfer reports whether any non-terminal Transfer exists for
// host, optionally narrowed to peer (pass "" to match any peer).
func (sup *Supervisor) HasActiveTransfer(host, peer string) bool {
	for _, tr := range sup.registry.Snapshot() {
		if tr.Key.Server != host {
			continue
		}
		if peer != "" && tr.Key.Peer != peer {
			continue
		}
		if !tr.Status.Terminal() {
			return true
		}
	}
	return false
}

// SessionCount returns the number of Sessions currently in the Ready state.
func (sup *Supervisor) SessionCount() int {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	n := 0
	for _, s := range sup.sessions {
		if s.stateNow() == StateReady {
			n++
		}
	}
	return n
}

func (sup *Supervisor) sessionFailed(host string, err error) {
	sup.mu.Lock()
	delete(sup.sessions, host)
	sup.mu.Unlock()
	sup.log.Errorf("supervisor", "%s: session failed: %v", host, err)
}

func (sup *Supervisor) activeEngineCount() int {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	return len(sup.engines)
}

// SupervisorInfo is the JSON-facing snapshot for the control plane's /info
// endpoint.
type SupervisorInfo struct {
	Networks  []SessionInfo `json:"networks"`
	Transfers []Transfer    `json:"transfers"`
}

// Info returns a point-in-time snapshot of all Sessions and Transfers.
func (sup *Supervisor) Info() SupervisorInfo {
	sup.mu.RLock()
	networks := make([]SessionInfo, 0, len(sup.sessions))
	for _, s := range sup.sessions {
		networks = append(networks, s.Info())
	}
	sup.mu.RUnlock()
	return SupervisorInfo{Networks: networks, Transfers: sup.registry.Snapshot()}
}

// Shutdown performs the orderly shutdown of §4.5 and §6: QUIT every
// Session, give in-progress Transfers shutdownGrace to finish on their own,
// then cancel whatever remains, and finally stop the Supervisor's own
// background tasks (the reaper).
func (sup *Supervisor) Shutdown() {
	sup.mu.RLock()
	sessions := make([]*Session, 0, len(sup.sessions))
	for _, s := range sup.sessions {
		sessions = append(sessions, s)
	}
	sup.mu.RUnlock()

	for _, s := range sessions {
		s.Quit("shutting down")
	}

	deadline := time.NewTimer(shutdownGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
waitForDrain:
	for {
		select {
		case <-deadline.C:
			break waitForDrain
		case <-ticker.C:
			if sup.activeEngineCount() == 0 {
				break waitForDrain
			}
		}
	}

	sup.mu.RLock()
	engines := make([]*Engine, 0, len(sup.engines))
	for _, e := range sup.engines {
		engines = append(engines, e)
	}
	sup.mu.RUnlock()
	for _, e := range engines {
		e.Cancel()
	}

	if sup.cancel != nil {
		sup.cancel()
	}
}
