package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"kando-api/domain"
)

func TestRequestMetricsLogsRouteAndKind(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	e.PUT("/api/columns/:id", func(c echo.Context) error {
		c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), Identity{UserID: "u1", Role: domain.RoleUser})))
		return writeError(c, domain.PermissionDenied("forbidden", "Only admins can rename columns"))
	}, RequestMetrics(logger))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/columns/7", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "http.request.metrics" {
		t.Fatalf("expected metrics entry, got %+v", entry)
	}
	if entry.Level != log.InfoLevel {
		t.Fatalf("unexpected level %v", entry.Level)
	}
	if entry.Data["route"] != "/api/columns/:id" || entry.Data["method"] != http.MethodPut {
		t.Fatalf("unexpected route fields: %v", entry.Data)
	}
	if entry.Data["status"] != http.StatusForbidden || entry.Data["user_id"] != "u1" {
		t.Fatalf("unexpected status fields: %v", entry.Data)
	}
	if entry.Data["error_kind"] != string(domain.KindPermissionDenied) {
		t.Fatalf("unexpected error kind: %v", entry.Data["error_kind"])
	}
}

func TestRequestMetricsWarnsOnServerErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := newRequestMetrics(logger, http.MethodPost, "/api/board/reload")
	m.SetErrorKind(domain.KindRemoteFailure)
	m.Log(http.StatusBadGateway, nil)

	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected warning entry, got %+v", entry)
	}
	if _, ok := entry.Data["user_id"]; ok {
		t.Fatalf("anonymous requests should not log a user id")
	}
}
