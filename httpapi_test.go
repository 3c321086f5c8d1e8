package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*ControlAPI, *Supervisor) {
	t.Helper()
	sup := testSupervisor(t)
	log := NewTelemetry(16)
	ws := NewWSFeed(sup, log)
	return NewControlAPI(sup, log, ws), sup
}

func doJSON(t *testing.T, api *ControlAPI, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)
	return rec
}

func TestHandleJoinRejectsMissingFields(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/join", joinRequest{Server: "irc.example.org"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(KindProtocolViolation), body["error"])
}

func TestHandleJoinUnknownHostMapsToBadRequest(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/join", joinRequest{Server: "irc.unconfigured.example", Channel: "#x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(KindConfigInvalid), body["error"])
}

func TestHandleCancelReportsWhetherATransferMatched(t *testing.T) {
	api, sup := newTestAPI(t)
	key := TransferKey{Server: "irc.example.org", Peer: "bot1", Filename: "a.bin"}
	_, err := sup.registry.Insert(key, 10, 0, &fakeHandle{})
	require.NoError(t, err)

	rec := doJSON(t, api, http.MethodPost, "/cancel", cancelRequest{Server: "irc.example.org", Nick: "bot1", Filename: "a.bin"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["cancelled"])
}

func TestHandleShutdownSignalsShutdownRequested(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-api.ShutdownRequested():
	default:
		t.Fatal("expected ShutdownRequested to be signalled")
	}
}

func TestHandleInfoReturnsSupervisorSnapshot(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/info", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var info SupervisorInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Empty(t, info.Networks)
	assert.Empty(t, info.Transfers)
}
