package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// wsFrame is the JSON shape of every message the control plane's WebSocket
// feed sends, per §6: a "log" frame per structured log entry, and a
// periodic "transfers" frame carrying the current Registry snapshot.
type wsFrame struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Level     string     `json:"level,omitempty"`
	Tag       string     `json:"tag,omitempty"`
	Message   string     `json:"message,omitempty"`
	Transfers []Transfer `json:"transfers,omitempty"`
}

func logFrame(rec LogRecord) wsFrame {
	return wsFrame{
		Type:      "log",
		ID:        rec.ID,
		Timestamp: rec.Timestamp.UnixMilli(),
		Level:     rec.Level,
		Tag:       rec.Tag,
		Message:   rec.Message,
	}
}

func transfersFrame(transfers []Transfer) wsFrame {
	return wsFrame{Type: "transfers", Transfers: transfers}
}

// transfersPushInterval is the cadence of unsolicited "transfers" frames.
const transfersPushInterval = time.Second

// WSFeed is the WebSocket half of §4.6's Control Plane Adapter: it replays
// retained log history to each new client, then streams new LogRecords and
// a periodic Transfer snapshot, accepting a small set of textual client
// commands in return.
type WSFeed struct {
	sup      *Supervisor
	log      *Telemetry
	upgrader websocket.Upgrader
}

// NewWSFeed constructs a WSFeed. CheckOrigin accepts any origin, matching
// an operator console served from the same host under a different path.
func NewWSFeed(sup *Supervisor, log *Telemetry) *WSFeed {
	return &WSFeed{
		sup: sup,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// handleUpgrade is the echo handler mounted at GET /ws.
func (f *WSFeed) handleUpgrade(c echo.Context) error {
	conn, err := f.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		f.log.Warnf("ws", "upgrade failed: %v", err)
		return nil
	}
	// Upgrade hijacks the connection out from under echo's ServeHTTP, which
	// returns (and cancels its request context) as soon as this handler does;
	// the serve loop instead exits on its own read/write errors.
	go f.serve(context.Background(), conn)
	return nil
}

func (f *WSFeed) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	logCh := make(chan LogRecord, 64)
	unsub := f.log.Subscribe(logCh)
	defer unsub()

	for _, rec := range f.log.Snapshot() {
		if err := conn.WriteJSON(logFrame(rec)); err != nil {
			return
		}
	}
	if err := conn.WriteJSON(transfersFrame(f.sup.Info().Transfers)); err != nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.handleClientCommand(conn, string(msg))
		}
	}()

	ticker := time.NewTicker(transfersPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case rec := <-logCh:
			if err := conn.WriteJSON(logFrame(rec)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(transfersFrame(f.sup.Info().Transfers)); err != nil {
				return
			}
		}
	}
}

// handleClientCommand interprets the operator console's small textual
// command set. "/echo <text>" round-trips text back as a "log" frame,
// useful for verifying the socket is alive from a plain client.
func (f *WSFeed) handleClientCommand(conn *websocket.Conn, text string) {
	if rest, ok := strings.CutPrefix(text, "/echo "); ok {
		conn.WriteJSON(wsFrame{Type: "log", Level: "info", Tag: "ws", Message: rest, Timestamp: time.Now().UnixMilli()})
	}
}
