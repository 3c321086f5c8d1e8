package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"dccbot/config"
)

// sessionState is a Session's position in the connection lifecycle of §4.1.
type sessionState int32

const (
	StateDisconnected sessionState = iota
	StateConnecting
	StateRegistering
	StateIdentifying
	StateReady
	StateQuitting
)

func (st sessionState) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateQuitting:
		return "quitting"
	default:
		return "disconnected"
	}
}

// md5AdvertiseRegex matches the bare hex digest XDCC bots paste into a
// channel alongside a file announcement.
var md5AdvertiseRegex = regexp.MustCompile(`(?i)\b[0-9a-f]{32}\b`)

// channelState is what a Session tracks per joined-or-pending channel.
type channelState struct {
	Joined       bool
	LastActivity time.Time
	Parent       string // also_join source channel; "" if explicitly configured/requested
}

// Session owns one IRC server connection: registration, channel membership,
// idle reclamation, and inbound CTCP/DCC dispatch, per §4.1. It implements
// LineSender so the Transfer Engine can write DCC RESUME/SEND replies back
// down the same control connection without holding any other Session state.
type Session struct {
	Host       string
	cfg        config.ServerConfig
	global     *config.GlobalConfig
	sup        *Supervisor
	log        *Telemetry
	rewriteSet map[string]bool

	mu           sync.RWMutex
	state        sessionState
	nick         string
	conn         net.Conn
	channels     map[string]*channelState
	channelPeers map[string]map[string]bool
	outstanding  map[string]bool
	lastActivity time.Time

	writeMu sync.Mutex

	registeredCh chan error
	motdDoneCh   chan struct{}
	identifiedCh chan struct{}
}

// NewSession constructs a Session for host, not yet connected.
func NewSession(host string, cfg config.ServerConfig, global *config.GlobalConfig, sup *Supervisor, log *Telemetry) *Session {
	return &Session{
		Host:         host,
		cfg:          cfg,
		global:       global,
		sup:          sup,
		log:          log,
		rewriteSet:   cfg.RewriteToSSendSet(),
		nick:         cfg.Nick,
		channels:     make(map[string]*channelState),
		channelPeers: make(map[string]map[string]bool),
		outstanding:  make(map[string]bool),
		lastActivity: time.Now(),
	}
}

// Run drives the Session's connection lifecycle until ctx is cancelled, the
// Session is deliberately Quit, or a fatal registration error occurs. A single network-error reconnect is
// attempted once the Session has reached Ready at least once, per §5;
// failures after that surface to the Supervisor and the Session stops.
func (s *Session) Run(ctx context.Context) {
	reachedReady := false
	retried := false
	for {
		err := s.runOnce(ctx, &reachedReady)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if s.stateNow() == StateQuitting {
			s.setState(StateDisconnected)
			if s.sup != nil {
				s.sup.mu.Lock()
				if s.sup.sessions[s.Host] == s {
					delete(s.sup.sessions, s.Host)
				}
				s.sup.mu.Unlock()
			}
			return
		}
		if err == nil {
			s.setState(StateDisconnected)
			return
		}
		if !reachedReady || retried {
			s.log.Errorf("session", "%s: giving up: %v", s.Host, err)
			s.setState(StateDisconnected)
			if s.sup != nil {
				s.sup.sessionFailed(s.Host, err)
			}
			return
		}
		retried = true
		s.log.Warnf("session", "%s: connection lost, retrying in %s: %v", s.Host, reconnectDelay, err)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) runOnce(ctx context.Context, reachedReady *bool) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.closeConn()

	s.mu.Lock()
	s.registeredCh = make(chan error, 1)
	s.motdDoneCh = make(chan struct{}, 1)
	s.identifiedCh = make(chan struct{}, 1)
	s.mu.Unlock()

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	errCh := make(chan error, 1)
	go func() { errCh <- s.readLoop(readerCtx) }()

	if err := s.register(ctx); err != nil {
		return err
	}
	*reachedReady = true
	s.setState(StateReady)
	s.touchSession()
	s.log.Infof("session", "%s: ready as %s", s.Host, s.currentNick())

	for _, ch := range s.cfg.Channels {
		s.Join(ch)
	}

	go s.idleLoop(readerCtx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	addr := net.JoinHostPort(s.Host, strconv.Itoa(int(s.cfg.Port)))
	dialer := &net.Dialer{Timeout: registrationTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(ErrNetworkUnavailable, err.Error())
	}

	var conn net.Conn = raw
	if s.cfg.UseTLS {
		tlsConn := tls.Client(raw, &tls.Config{
			ServerName:         s.Host,
			InsecureSkipVerify: !s.cfg.VerifySSLOrDefault(),
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return errors.Wrap(ErrNetworkUnavailable, err.Error())
		}
		conn = tlsConn
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// register performs NICK/USER registration, nick-collision retry, and
// optional NickServ IDENTIFY, per §4.1's state machine.
func (s *Session) register(ctx context.Context) error {
	s.setState(StateRegistering)
	s.setNick(s.cfg.Nick)
	if err := s.sendLine(FormatLine("NICK", []string{s.currentNick()}, "")); err != nil {
		return err
	}
	if err := s.sendLine(FormatLine("USER", []string{s.currentNick(), "0", "*"}, s.currentNick())); err != nil {
		return err
	}

	select {
	case err := <-s.registeredCh:
		if err != nil {
			return err
		}
	case <-time.After(registrationTimeout):
		return errors.Wrap(ErrAuthFailed, "registration timed out waiting for 001")
	case <-ctx.Done():
		return ctx.Err()
	}

	// NickServ IDENTIFY is sent only after the server signals end of
	// registration burst (376) or no-MOTD (422), not immediately on 001:
	// some networks reject commands sent mid-burst.
	select {
	case <-s.motdDoneCh:
	case <-time.After(registrationTimeout):
		s.log.Warnf("session", "%s: no end-of-MOTD after registration, proceeding anyway", s.Host)
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.cfg.NickservPassword == "" {
		return nil
	}
	s.setState(StateIdentifying)
	if err := s.Msg("NickServ", "IDENTIFY "+s.cfg.NickservPassword); err != nil {
		return err
	}
	select {
	case <-s.identifiedCh:
	case <-time.After(nickservIdentifyTimeout):
		s.log.Warnf("session", "%s: nickserv identify timed out, joining channels anyway", s.Host)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	reader := bufio.NewReaderSize(conn, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(ErrNetworkUnavailable, err.Error())
		}
		line, perr := ParseIRCLine(raw)
		if perr != nil {
			s.log.Debugf("session", "%s: unparsable line %q", s.Host, strings.TrimSpace(raw))
			continue
		}
		s.handleLine(line)
	}
}

func (s *Session) handleLine(l *IRCLine) {
	switch l.Command {
	case "PING":
		s.touchSession()
		s.sendLine(FormatLine("PONG", nil, l.LastParam()))

	case "001":
		s.touchSession()
		select {
		case s.registeredCh <- nil:
		default:
		}

	case "376", "422":
		s.touchSession()
		select {
		case s.motdDoneCh <- struct{}{}:
		default:
		}

	case "433", "436":
		if s.stateNow() != StateRegistering {
			return
		}
		if s.cfg.RandomNick {
			newNick := s.cfg.Nick + "_" + uuid.New().String()[:4]
			s.setNick(newNick)
			s.sendLine(FormatLine("NICK", []string{newNick}, ""))
			return
		}
		select {
		case s.registeredCh <- errors.Wrap(ErrAuthFailed, "nickname in use"):
		default:
		}

	case "NOTICE":
		if strings.EqualFold(l.PrefixNick(), "NickServ") {
			lower := strings.ToLower(l.LastParam())
			if strings.Contains(lower, "identified") || strings.Contains(lower, "accepted") || strings.Contains(lower, "recognized") {
				select {
				case s.identifiedCh <- struct{}{}:
				default:
				}
			}
		}

	case "JOIN":
		channel := firstOf(l.Params, l.LastParam())
		if channel != "" && l.PrefixNick() == s.currentNick() {
			s.onJoined(channel)
		}

	case "PART":
		if len(l.Params) == 0 {
			return
		}
		if l.PrefixNick() == s.currentNick() {
			s.forgetChannel(l.Params[0])
		}

	case "KICK":
		if len(l.Params) < 2 {
			return
		}
		if l.Params[1] == s.currentNick() {
			s.forgetChannel(l.Params[0])
			s.log.Warnf("session", "%s: kicked from %s", s.Host, l.Params[0])
		}

	case "PRIVMSG":
		s.handlePrivmsg(l)
	}
}

func firstOf(params []string, fallback string) string {
	if len(params) > 0 && params[0] != "" {
		return params[0]
	}
	return fallback
}

func (s *Session) onJoined(channel string) {
	s.mu.Lock()
	ch, ok := s.channels[channel]
	if !ok {
		ch = &channelState{}
		s.channels[channel] = ch
	}
	ch.Joined = true
	ch.LastActivity = time.Now()
	children := append([]string(nil), s.cfg.AlsoJoin[channel]...)
	s.mu.Unlock()

	for _, child := range children {
		s.joinInternal(child, channel)
	}
}

func (s *Session) forgetChannel(channel string) {
	s.mu.Lock()
	delete(s.channels, channel)
	delete(s.channelPeers, channel)
	s.mu.Unlock()
}

func (s *Session) handlePrivmsg(l *IRCLine) {
	sender := l.PrefixNick()
	target := firstOf(l.Params, "")
	text := l.LastParam()
	s.touchSession()

	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		s.recordChannelActivity(target, sender)
	}

	if payload, ok := ExtractCTCP(text); ok {
		s.handleCTCP(sender, payload)
		return
	}

	if s.global.AutoMD5Sum && md5AdvertiseRegex.MatchString(text) && s.sup != nil {
		s.sup.AttachMD5(s.Host, sender, text)
	}
}

func (s *Session) handleCTCP(sender, payload string) {
	upper := strings.ToUpper(payload)
	switch {
	case strings.HasPrefix(upper, "DCC SEND"), strings.HasPrefix(upper, "DCC SSEND"):
		offer, err := ParseDCC(payload)
		if err != nil {
			s.log.Warnf("dcc", "%s: bad DCC offer from %s: %v", s.Host, sender, err)
			return
		}
		if s.sup != nil {
			s.sup.StartTransfer(s, sender, offer)
		}
	case strings.HasPrefix(upper, "DCC ACCEPT"):
		msg, err := ParseDCCAccept(payload)
		if err != nil {
			s.log.Warnf("dcc", "%s: bad DCC ACCEPT from %s: %v", s.Host, sender, err)
			return
		}
		if s.sup != nil {
			s.sup.ResumeAccepted(s.Host, sender, msg)
		}
	}
}

// Join requests membership in channel, idempotently.
func (s *Session) Join(channel string) error {
	return s.joinInternal(channel, "")
}

func (s *Session) joinInternal(channel, parent string) error {
	s.mu.Lock()
	if _, ok := s.channels[channel]; ok {
		s.mu.Unlock()
		return nil
	}
	s.channels[channel] = &channelState{Parent: parent, LastActivity: time.Now()}
	s.mu.Unlock()
	return s.sendLine(FormatLine("JOIN", []string{channel}, ""))
}

// Part leaves channel and cascades to any also_join children that were only
// joined because of it, per §9's also_join semantics.
func (s *Session) Part(channel string) error {
	s.mu.Lock()
	_, ok := s.channels[channel]
	var cascade []string
	for ch, st := range s.channels {
		if st.Parent == channel {
			cascade = append(cascade, ch)
		}
	}
	delete(s.channels, channel)
	delete(s.channelPeers, channel)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.sendLine(FormatLine("PART", []string{channel}, ""))
	for _, ch := range cascade {
		s.Part(ch)
	}
	return err
}

// Msg sends a PRIVMSG to target, rewriting "xdcc send" to "xdcc ssend" when
// target is configured for rewrite_to_ssend or ssend_map, per §3.
func (s *Session) Msg(target, text string) error {
	out := text
	if (s.rewriteSet[target] || s.global.ForceSSend(target)) && strings.HasPrefix(strings.ToLower(text), "xdcc send ") {
		out = "xdcc ssend " + text[len("xdcc send "):]
	}
	err := s.sendLine(FormatLine("PRIVMSG", []string{target}, out))
	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		s.recordChannelActivity(target, "")
	}
	return err
}

// XDCCRequest sends an "xdcc send <pack>" request to peer and records it as
// outstanding.
func (s *Session) XDCCRequest(peer, pack string) error {
	s.mu.Lock()
	s.outstanding[peer] = true
	s.mu.Unlock()
	return s.Msg(peer, "xdcc send "+pack)
}

func (s *Session) recordChannelActivity(channel, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[channel]; ok {
		ch.LastActivity = time.Now()
	}
	if peer != "" {
		if s.channelPeers[channel] == nil {
			s.channelPeers[channel] = make(map[string]bool)
		}
		s.channelPeers[channel][peer] = true
	}
}

// idleLoop reclaims idle channels and, eventually, the whole Session, per
// §9's idle reclamation design note. also_join children are tracked
// independently of their parent's activity, per the spec's resolution of
// that Open Question.
func (s *Session) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(idleTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sweepIdle() {
				return
			}
		}
	}
}

func (s *Session) sweepIdle() (quit bool) {
	now := time.Now()
	channelTimeout := time.Duration(s.global.ChannelIdleTimeout) * time.Second
	serverTimeout := time.Duration(s.global.ServerIdleTimeout) * time.Second

	s.mu.Lock()
	var toPart []string
	for ch, st := range s.channels {
		if !st.Joined || now.Sub(st.LastActivity) < channelTimeout {
			continue
		}
		active := false
		for peer := range s.channelPeers[ch] {
			if s.sup != nil && s.sup.HasActiveTransfer(s.Host, peer) {
				active = true
				break
			}
		}
		if !active {
			toPart = append(toPart, ch)
		}
	}
	noChannels := len(s.channels) == 0
	sessionIdle := now.Sub(s.lastActivity) >= serverTimeout
	s.mu.Unlock()

	for _, ch := range toPart {
		s.Part(ch)
	}

	if noChannels && sessionIdle && s.sup != nil && !s.sup.HasActiveTransfer(s.Host, "") {
		s.Quit("idle")
		return true
	}
	return false
}

// Quit sends QUIT and closes the connection, ending Run's serve loop
// cleanly (no reconnect is attempted for a deliberate Quit).
func (s *Session) Quit(reason string) {
	s.setState(StateQuitting)
	s.sendLine(FormatLine("QUIT", nil, reason))
	s.closeConn()
}

// SendLine implements LineSender for the Transfer Engine's DCC
// RESUME/passive-SEND-reply writes.
func (s *Session) SendLine(line string) error {
	return s.sendLine(line)
}

func (s *Session) sendLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.Wrap(ErrNetworkUnavailable, "session is not connected")
	}
	_, err := conn.Write([]byte(line + "\r\n"))
	if err != nil {
		return errors.Wrap(ErrNetworkUnavailable, err.Error())
	}
	return nil
}

func (s *Session) touchSession() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) stateNow() sessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setNick(n string) {
	s.mu.Lock()
	s.nick = n
	s.mu.Unlock()
}

func (s *Session) currentNick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// SessionInfo is the JSON-facing snapshot of a Session for the control
// plane's /info endpoint.
type SessionInfo struct {
	Host     string   `json:"host"`
	Nick     string   `json:"nick"`
	State    string   `json:"state"`
	Channels []string `json:"channels"`
}

// Info returns a point-in-time snapshot of the Session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]string, 0, len(s.channels))
	for ch, st := range s.channels {
		if st.Joined {
			channels = append(channels, ch)
		}
	}
	return SessionInfo{
		Host:     s.Host,
		Nick:     s.nick,
		State:    s.state.String(),
		Channels: channels,
	}
}
