package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const streamKeepAlive = 15 * time.Second

// streamBoard pushes this session's board and messages as server-sent
// events. Only the caller's own changes appear; other clients' writes show
// up after a reload.
func (h *handlers) streamBoard(c echo.Context) error {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	ctrl := h.controller(c)

	boards, cancelBoards := ctrl.Subscribe()
	defer cancelBoards()
	messages, cancelMessages := ctrl.Notices().Subscribe()
	defer cancelMessages()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-boards:
			err = writeEvent(c.Response(), "board", h.boardView(ctrl))
		case list := <-messages:
			err = writeEvent(c.Response(), "messages", list)
		case <-ticker.C:
			_, err = c.Response().Write([]byte(": ping\n\n"))
		}
		if err != nil {
			return nil
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(name)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, name...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	_, err = w.Write(buf)
	return err
}
