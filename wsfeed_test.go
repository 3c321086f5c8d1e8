package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startTestWSFeed(t *testing.T) (string, *Supervisor, *Telemetry) {
	t.Helper()
	sup := testSupervisor(t)
	log := NewTelemetry(16)
	ws := NewWSFeed(sup, log)
	// The API logs each HTTP request; giving it its own Telemetry keeps those
	// records out of the feed these tests read frame by frame.
	api := NewControlAPI(sup, NewTelemetry(16), ws)

	srv := httptest.NewServer(api.echo)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", sup, log
}

func TestWSFeedReplaysLogHistoryThenTransfersFrame(t *testing.T) {
	url, _, log := startTestWSFeed(t)
	log.Infof("test", "seeded before connect")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first wsFrame
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "log", first.Type)
	require.Equal(t, "seeded before connect", first.Message)

	var second wsFrame
	require.NoError(t, conn.ReadJSON(&second))
	require.Equal(t, "transfers", second.Type)
}

func TestWSFeedStreamsNewLogRecords(t *testing.T) {
	url, _, log := startTestWSFeed(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var initialTransfers wsFrame
	require.NoError(t, conn.ReadJSON(&initialTransfers))

	log.Warnf("transfer", "disk nearly full")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "log", frame.Type)
	require.Equal(t, "warn", frame.Level)
	require.Equal(t, "disk nearly full", frame.Message)
}

func TestWSFeedEchoCommand(t *testing.T) {
	url, _, _ := startTestWSFeed(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var initialTransfers wsFrame
	require.NoError(t, conn.ReadJSON(&initialTransfers))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("/echo ping")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "ping", frame.Message)
}
