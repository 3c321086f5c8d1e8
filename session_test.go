package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dccbot/config"
)

// fakeConn is a minimal net.Conn that captures everything written to it and
// never produces read data; Session's readLoop is never exercised by these
// tests, which drive handleLine directly the way a real readLoop would.
type fakeConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *fakeConn) Read(b []byte) (int, error) { return 0, io.EOF }
func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

func testSessionGlobal(t *testing.T, extra string) *config.GlobalConfig {
	t.Helper()
	dir := t.TempDir()
	body := `{"download_path":"` + dir + `","allowed_mimetypes":["text/plain"]` + extra + `}`
	cfg, err := config.Parse([]byte(body))
	require.NoError(t, err)
	return cfg
}

func mustParseLine(t *testing.T, raw string) *IRCLine {
	t.Helper()
	l, err := ParseIRCLine(raw)
	require.NoError(t, err)
	return l
}

// newUnstartedSession builds a Session with its registration channels
// already allocated (mirroring what runOnce does) but without dialing a
// real connection, so register()/handleLine() can be exercised directly.
func newUnstartedSession(t *testing.T, cfg config.ServerConfig) (*Session, *fakeConn) {
	t.Helper()
	global := testSessionGlobal(t, "")
	sess := NewSession("irc.example.org", cfg, global, nil, NewTelemetry(16))
	conn := &fakeConn{}
	sess.conn = conn
	sess.registeredCh = make(chan error, 1)
	sess.motdDoneCh = make(chan struct{}, 1)
	sess.identifiedCh = make(chan struct{}, 1)
	return sess, conn
}

func TestSessionRegistrationSendsNickAndUser(t *testing.T) {
	cfg := config.ServerConfig{Nick: "dccbot", Port: 6667}
	cfg.Normalize()
	sess, conn := newUnstartedSession(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.register(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(conn.written(), "USER dccbot")
	}, time.Second, time.Millisecond)
	assert.Contains(t, conn.written(), "NICK dccbot")

	sess.handleLine(mustParseLine(t, ":irc.example.org 001 dccbot :Welcome"))
	sess.handleLine(mustParseLine(t, ":irc.example.org 422 dccbot :MOTD File is missing"))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("register did not complete")
	}
	assert.Equal(t, "dccbot", sess.currentNick())
}

// TestSessionNickservIdentifyWaitsForEndOfMotd is the regression test for
// the registration sequencing rule: IDENTIFY must never be sent before the
// server signals end of MOTD (376) or no-MOTD (422), even though 001 arrives
// first.
func TestSessionNickservIdentifyWaitsForEndOfMotd(t *testing.T) {
	cfg := config.ServerConfig{Nick: "dccbot", Port: 6667, NickservPassword: "hunter2"}
	cfg.Normalize()
	sess, conn := newUnstartedSession(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.register(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(conn.written(), "NICK dccbot")
	}, time.Second, time.Millisecond)

	sess.handleLine(mustParseLine(t, ":irc.example.org 001 dccbot :Welcome"))

	// Give register() a moment to (incorrectly, if the bug regresses) fire
	// IDENTIFY right after 001. It must not have, because MOTD hasn't ended.
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, conn.written(), "IDENTIFY", "IDENTIFY must not be sent before end-of-MOTD")

	sess.handleLine(mustParseLine(t, ":irc.example.org 376 dccbot :End of MOTD command"))

	require.Eventually(t, func() bool {
		return strings.Contains(conn.written(), "IDENTIFY hunter2")
	}, time.Second, time.Millisecond, "IDENTIFY must be sent once end-of-MOTD is observed")

	sess.handleLine(mustParseLine(t, ":NickServ!services@services NOTICE dccbot :You are now identified for dccbot."))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("register did not complete after NickServ identified")
	}
}

func TestSessionNickCollisionRetriesWithRandomNick(t *testing.T) {
	cfg := config.ServerConfig{Nick: "dccbot", Port: 6667, RandomNick: true}
	cfg.Normalize()
	sess, conn := newUnstartedSession(t, cfg)
	sess.setNick(cfg.Nick)
	sess.setState(StateRegistering)

	sess.handleLine(mustParseLine(t, ":irc.example.org 433 * dccbot :Nickname is already in use"))

	newNick := sess.currentNick()
	assert.NotEqual(t, "dccbot", newNick)
	assert.True(t, strings.HasPrefix(newNick, "dccbot_"))
	assert.Contains(t, conn.written(), "NICK "+newNick)

	select {
	case <-sess.registeredCh:
		t.Fatal("nick collision with random_nick must not fail registration")
	default:
	}
}

func TestSessionNickCollisionWithoutRandomNickFailsRegistration(t *testing.T) {
	cfg := config.ServerConfig{Nick: "dccbot", Port: 6667}
	cfg.Normalize()
	sess, _ := newUnstartedSession(t, cfg)
	sess.setState(StateRegistering)

	sess.handleLine(mustParseLine(t, ":irc.example.org 433 * dccbot :Nickname is already in use"))

	select {
	case err := <-sess.registeredCh:
		require.Error(t, err)
		assert.Equal(t, KindAuthFailed, kindOf(err))
	default:
		t.Fatal("expected a registration failure on registeredCh")
	}
}

func TestSessionIdleSweepPartsInactiveChannelsAndRetainsActiveOnes(t *testing.T) {
	cfg := config.ServerConfig{Nick: "dccbot", Port: 6667}
	cfg.Normalize()
	global := testSessionGlobal(t, `,"channel_idle_timeout":1,"server_idle_timeout":3600`)
	sess := NewSession("irc.example.org", cfg, global, nil, NewTelemetry(16))
	conn := &fakeConn{}
	sess.conn = conn

	sess.channels["#idle"] = &channelState{Joined: true, LastActivity: time.Now().Add(-time.Hour)}
	sess.channels["#active"] = &channelState{Joined: true, LastActivity: time.Now()}

	quit := sess.sweepIdle()
	assert.False(t, quit)

	sess.mu.RLock()
	_, idleStillThere := sess.channels["#idle"]
	_, activeStillThere := sess.channels["#active"]
	sess.mu.RUnlock()

	assert.False(t, idleStillThere, "idle channel should have been parted")
	assert.True(t, activeStillThere, "recently active channel should remain joined")
	assert.Contains(t, conn.written(), "PART #idle")
	assert.NotContains(t, conn.written(), "PART #active")
}

func TestSessionOnJoinedCascadesAlsoJoinChildren(t *testing.T) {
	cfg := config.ServerConfig{
		Nick:     "dccbot",
		Port:     6667,
		AlsoJoin: map[string][]string{"#main": {"#main-logs"}},
	}
	cfg.Normalize()
	sess, conn := newUnstartedSession(t, cfg)

	sess.onJoined("#main")

	sess.mu.RLock()
	child, ok := sess.channels["#main-logs"]
	sess.mu.RUnlock()
	require.True(t, ok, "also_join child should be tracked once the parent joins")
	assert.Equal(t, "#main", child.Parent)
	assert.Contains(t, conn.written(), "JOIN #main-logs")
}

func TestSessionPartCascadesToAlsoJoinChildren(t *testing.T) {
	cfg := config.ServerConfig{
		Nick:     "dccbot",
		Port:     6667,
		AlsoJoin: map[string][]string{"#main": {"#main-logs"}},
	}
	cfg.Normalize()
	sess, conn := newUnstartedSession(t, cfg)
	sess.onJoined("#main")
	conn.mu.Lock()
	conn.buf.Reset()
	conn.mu.Unlock()

	require.NoError(t, sess.Part("#main"))

	sess.mu.RLock()
	_, mainStillThere := sess.channels["#main"]
	_, childStillThere := sess.channels["#main-logs"]
	sess.mu.RUnlock()
	assert.False(t, mainStillThere)
	assert.False(t, childStillThere)
	assert.Contains(t, conn.written(), "PART #main")
	assert.Contains(t, conn.written(), "PART #main-logs")
}
