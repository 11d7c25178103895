package api

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kando-api/domain"
)

const errorKindKey = "kando.error_kind"

type requestMetrics struct {
	logger    *log.Logger
	start     time.Time
	route     string
	method    string
	userID    string
	errorKind domain.Kind
}

func newRequestMetrics(logger *log.Logger, method, route string) *requestMetrics {
	return &requestMetrics{
		logger: logger,
		start:  time.Now(),
		route:  route,
		method: method,
	}
}

func (m *requestMetrics) SetUser(userID string) {
	m.userID = userID
}

func (m *requestMetrics) SetErrorKind(kind domain.Kind) {
	if kind == "" {
		return
	}
	m.errorKind = kind
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    m.route,
		"method":   m.method,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.userID != "" {
		fields["user_id"] = m.userID
	}
	if m.errorKind != "" {
		fields["error_kind"] = string(m.errorKind)
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	if status >= 500 {
		entry.Warn("http.request.metrics")
		return
	}
	entry.Info("http.request.metrics")
}

// RequestMetrics logs one http.request.metrics entry per request.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := newRequestMetrics(logger, c.Request().Method, c.Path())
			err := next(c)
			m.SetUser(identityFrom(c.Request().Context()).UserID)
			if kind, ok := c.Get(errorKindKey).(domain.Kind); ok {
				m.SetErrorKind(kind)
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.Log(status, err)
			return err
		}
	}
}

func setErrorKind(c echo.Context, kind domain.Kind) {
	c.Set(errorKindKey, kind)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
