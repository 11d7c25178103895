package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"kando-api/domain"
)

type errorResponse struct {
	Error string      `json:"error"`
	Code  string      `json:"code,omitempty"`
	Kind  domain.Kind `json:"kind"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindBusy:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// writeError renders a board error with the status matching its kind.
func writeError(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	resp := errorResponse{Error: domain.MessageOf(err), Kind: kind}
	var de *domain.Error
	if errors.As(err, &de) {
		resp.Code = de.Code
	}
	setErrorKind(c, kind)
	return c.JSON(statusFor(kind), resp)
}

func badRequest(c echo.Context, message string) error {
	return writeError(c, domain.Validation("invalid_request", message))
}
