package main

import (
	"context"
	"embed"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed webassets
var webassetsFS embed.FS

// apiErr carries an ErrorKind and HTTP status through echo's error pipeline
// so jsonErrorHandler can render §6's {error, detail} body without
// re-deriving the status from the error's message text.
type apiErr struct {
	status int
	kind   ErrorKind
	detail string
}

func (e *apiErr) Error() string { return e.detail }

func newAPIErr(status int, kind ErrorKind, detail string) *apiErr {
	return &apiErr{status: status, kind: kind, detail: detail}
}

// wrapErr classifies a core error via kindOf and picks the HTTP status that
// best matches its kind, per §6's mapping of internal failures onto the
// control plane's REST surface.
func wrapErr(err error) *apiErr {
	kind := kindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case KindConfigInvalid, KindProtocolViolation, KindFileSizeExceeded, KindDisallowedMimeType:
		status = http.StatusBadRequest
	case KindAlreadyActive:
		status = http.StatusConflict
	case KindAuthFailed:
		status = http.StatusUnauthorized
	case KindNetworkUnavailable, KindResumeTimeout:
		status = http.StatusBadGateway
	}
	return &apiErr{status: status, kind: kind, detail: err.Error()}
}

// jsonErrorHandler renders every handler error, echo's own HTTPError
// included, as the {error, detail} JSON body, mirroring the teacher's
// api.go error handler but keyed off ErrorKind instead of HTTP status text.
func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ae *apiErr
	if e, ok := err.(*apiErr); ok {
		ae = e
	} else if he, ok := err.(*echo.HTTPError); ok {
		msg := ""
		if s, ok := he.Message.(string); ok {
			msg = s
		} else {
			msg = err.Error()
		}
		ae = &apiErr{status: he.Code, kind: KindProtocolViolation, detail: msg}
	} else {
		ae = &apiErr{status: http.StatusInternalServerError, kind: KindInternal, detail: err.Error()}
	}

	body := map[string]string{"error": string(ae.kind), "detail": ae.detail}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(ae.status)
		return
	}
	_ = c.JSON(ae.status, body)
}

// ControlAPI is the REST half of §4.6's Control Plane Adapter: operator
// commands (join/part/msg/cancel/shutdown), a process snapshot, Prometheus
// metrics, and the static operator console assets.
type ControlAPI struct {
	sup *Supervisor
	log *Telemetry
	ws  *WSFeed

	echo        *echo.Echo
	shutdownReq chan struct{}
}

// NewControlAPI builds the echo instance and registers every route.
func NewControlAPI(sup *Supervisor, log *Telemetry, ws *WSFeed) *ControlAPI {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Infof("http", "%s %s -> %d (%s)", c.Request().Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	api := &ControlAPI{sup: sup, log: log, ws: ws, echo: e, shutdownReq: make(chan struct{}, 1)}
	api.registerRoutes()
	return api
}

func (api *ControlAPI) registerRoutes() {
	api.echo.POST("/join", api.handleJoin)
	api.echo.POST("/part", api.handlePart)
	api.echo.POST("/msg", api.handleMsg)
	api.echo.POST("/cancel", api.handleCancel)
	api.echo.POST("/shutdown", api.handleShutdown)
	api.echo.GET("/info", api.handleInfo)
	api.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	api.echo.GET("/ws", api.ws.handleUpgrade)

	assets, err := fs.Sub(webassetsFS, "webassets")
	if err != nil {
		panic(err) // embedded FS, programmer error if this ever fails
	}
	fileServer := echo.WrapHandler(http.FileServer(http.FS(assets)))
	api.echo.GET("/log.html", fileServer)
	api.echo.GET("/info.html", fileServer)
	api.echo.GET("/static/*", fileServer)
}

type joinRequest struct {
	Server  string `json:"server"`
	Channel string `json:"channel"`
}

func (api *ControlAPI) handleJoin(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, err.Error())
	}
	if req.Server == "" || req.Channel == "" {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, "server and channel are required")
	}
	if err := api.sup.Join(req.Server, req.Channel); err != nil {
		return wrapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type partRequest struct {
	Server  string `json:"server"`
	Channel string `json:"channel"`
}

func (api *ControlAPI) handlePart(c echo.Context) error {
	var req partRequest
	if err := c.Bind(&req); err != nil {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, err.Error())
	}
	if req.Server == "" || req.Channel == "" {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, "server and channel are required")
	}
	if err := api.sup.Part(req.Server, req.Channel); err != nil {
		return wrapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type msgRequest struct {
	Server  string `json:"server"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	Message string `json:"message"`
}

func (api *ControlAPI) handleMsg(c echo.Context) error {
	var req msgRequest
	if err := c.Bind(&req); err != nil {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, err.Error())
	}
	target := req.Channel
	if target == "" {
		target = req.User
	}
	if req.Server == "" || target == "" || req.Message == "" {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, "server, (channel or user), and message are required")
	}
	if err := api.sup.Msg(req.Server, target, req.Message); err != nil {
		return wrapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type cancelRequest struct {
	Server   string `json:"server"`
	Nick     string `json:"nick"`
	Filename string `json:"filename"`
}

func (api *ControlAPI) handleCancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, err.Error())
	}
	if req.Server == "" || req.Nick == "" || req.Filename == "" {
		return newAPIErr(http.StatusBadRequest, KindProtocolViolation, "server, nick, and filename are required")
	}
	cancelled := api.sup.Cancel(req.Server, req.Nick, req.Filename)
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleShutdown triggers the orderly shutdown of §4.5 asynchronously and
// responds immediately; main drives the actual process exit once
// ShutdownRequested fires.
func (api *ControlAPI) handleShutdown(c echo.Context) error {
	select {
	case api.shutdownReq <- struct{}{}:
	default:
	}
	return c.NoContent(http.StatusAccepted)
}

// ShutdownRequested signals when an operator has called /shutdown.
func (api *ControlAPI) ShutdownRequested() <-chan struct{} {
	return api.shutdownReq
}

func (api *ControlAPI) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, api.sup.Info())
}

// Serve runs the control plane on the already-bound listener ln until ctx is
// cancelled, then gives outstanding requests shutdownGrace to drain.
func (api *ControlAPI) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: api.echo, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
