package handler

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"cortex-telemetry/backend/internal/requestctx"
	"cortex-telemetry/backend/internal/telemetry/domain"
)

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"

	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 4 << 20

	headerModelID = "X-Model-Id"
	headerCommand = "X-Cortex-Command"
)

// Reporter records crash reports. *service.CrashReportService implements it.
type Reporter interface {
	CreateCrashReport(ctx context.Context, err error, source domain.Source)
}

// ReadyFunc reports whether the server can take traffic.
type ReadyFunc func(ctx context.Context) error

// HTTPConfig wires the HTTP receiver.
type HTTPConfig struct {
	Ingester *Ingester
	Store    Store
	// Ready backs GET /healthz. Nil always reports ok.
	Ready ReadyFunc
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// Reporter receives a crash report for every handler panic. Nil only logs.
	Reporter Reporter
	Logger   *zap.Logger
}

// NewHTTPServer returns the echo instance serving the OTLP/HTTP logs route, the crash report read API,
// health and metrics.
func NewHTTPServer(cfg HTTPConfig) *echo.Echo {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisablePrintStack: true,
		LogErrorFunc:      recoverFunc(cfg.Reporter, logger),
	}))
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	h := &httpHandler{ingester: cfg.Ingester, store: cfg.Store, ready: cfg.Ready, logger: logger}
	e.POST("/v1/logs", h.exportLogs)
	e.GET("/v1/crash-reports", h.listCrashReports)
	e.GET("/healthz", h.healthz)
	if cfg.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

// recoverFunc turns a handler panic into a crash report from the server. The returned error becomes a 500.
func recoverFunc(reporter Reporter, logger *zap.Logger) middleware.LogErrorFunc {
	return func(c echo.Context, err error, _ []byte) error {
		// runs inside the deferred recover, so the captured stack includes the panic site
		err = errors.WithStackDepth(err, 1)
		logger.Error("http handler panicked", zap.String("path", c.Path()), zap.Error(err))
		if reporter != nil {
			req := c.Request()
			ctx := requestctx.WithValues(context.WithoutCancel(req.Context()), requestctx.Values{
				Endpoint: req.Method + " " + c.Path(),
				ModelID:  req.Header.Get(headerModelID),
				Command:  req.Header.Get(headerCommand),
			})
			reporter.CreateCrashReport(ctx, err, domain.SourceServer)
		}
		return err
	}
}

type httpHandler struct {
	ingester *Ingester
	store    Store
	ready    ReadyFunc
	logger   *zap.Logger
}

// exportLogs implements OTLP/HTTP for logs with JSON or binary protobuf bodies.
func (h *httpHandler) exportLogs(c echo.Context) error {
	if h.ingester == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "crash report store not configured")
	}
	ct, _, err := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	if err != nil || (ct != contentTypeJSON && ct != contentTypeProtobuf) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "content type must be application/json or application/x-protobuf")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}

	var req collogspb.ExportLogsServiceRequest
	if ct == contentTypeProtobuf {
		err = proto.Unmarshal(body, &req)
	} else {
		err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(body, &req)
	}
	if err != nil {
		h.logger.Warn("invalid export request", zap.String("content_type", ct), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid export request")
	}

	if _, err := h.ingester.Ingest(c.Request().Context(), TransportHTTP, &req); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store crash reports")
	}

	resp := &collogspb.ExportLogsServiceResponse{}
	if ct == contentTypeProtobuf {
		out, err := proto.Marshal(resp)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, contentTypeProtobuf, out)
	}
	out, err := protojson.Marshal(resp)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, contentTypeJSON, out)
}

// CrashReportList is the response body of GET /v1/crash-reports.
type CrashReportList struct {
	CrashReports []*domain.Telemetry `json:"crashReports"`
}

// listCrashReports returns the newest stored reports, optionally filtered by ?source=.
func (h *httpHandler) listCrashReports(c echo.Context) error {
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "crash report store not configured")
	}
	var source domain.Source
	if s := c.QueryParam("source"); s != "" {
		parsed, err := domain.ParseSource(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		source = parsed
	}
	limit := defaultListLimit
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}
	reports, err := h.store.ListBySource(c.Request().Context(), source, limit)
	if err != nil {
		h.logger.Error("list crash reports failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list crash reports")
	}
	if reports == nil {
		reports = []*domain.Telemetry{}
	}
	return c.JSON(http.StatusOK, CrashReportList{CrashReports: reports})
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (h *httpHandler) healthz(c echo.Context) error {
	if h.ready != nil {
		if err := h.ready(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
