package api

import (
	"errors"
	"net/http"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

var bearerPrefix = [...]byte{'B', 'e', 'a', 'r', 'e', 'r', ' '}

// bearerTokenFromRequest reads the Authorization header, falling back to a
// token query parameter for EventSource clients that cannot set headers.
func bearerTokenFromRequest(req *http.Request) ([]byte, error) {
	token, err := bearerTokenFromHeader(req.Header)
	if !errors.Is(err, errMissingAuthorization) {
		return token, err
	}
	raw := req.URL.Query().Get("token")
	if raw == "" {
		return nil, errMissingAuthorization
	}
	return bearerTokenFromString("Bearer " + raw)
}

func bearerTokenFromHeader(header http.Header) ([]byte, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return nil, errMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

func bearerTokenFromString(raw string) ([]byte, error) {
	start, end := 0, len(raw)
	for start < end && raw[start] == ' ' {
		start++
	}
	for end > start && raw[end-1] == ' ' {
		end--
	}
	if start >= end {
		return nil, errMissingAuthorization
	}
	tokenBytes := readOnlyBytes(raw[start:end])
	if len(tokenBytes) <= len(bearerPrefix) || [len(bearerPrefix)]byte(tokenBytes[:len(bearerPrefix)]) != bearerPrefix {
		return nil, errBadAuthorization
	}
	tokenBytes = tokenBytes[len(bearerPrefix):]
	dots := 0
	for _, b := range tokenBytes {
		if b == '.' {
			dots++
		}
	}
	if dots != 2 {
		return nil, errBadAuthorization
	}
	return tokenBytes, nil
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
