package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kando-api/board"
	"kando-api/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, sessions *Sessions, auth *Auth, logger *log.Logger) {
	h := &handlers{sessions: sessions, logger: logger}

	e.GET("/healthz", healthz)

	g := e.Group("/api", RequestMetrics(logger), auth.Middleware())
	g.GET("/board", h.getBoard)
	g.GET("/board/stream", h.streamBoard)
	g.POST("/board/reload", h.reloadBoard)
	g.GET("/board/title", h.getBoardTitle)
	g.PUT("/board/title", h.putBoardTitle)

	g.GET("/tasks", h.searchTasks)
	g.GET("/tasks/:id", h.getTask)
	g.POST("/tasks", h.createTask)
	g.PATCH("/tasks/:id", h.updateTask)
	g.PUT("/tasks/:id/column", h.moveTask)
	g.DELETE("/tasks/:id", h.deleteTask)

	g.POST("/columns", h.createColumn)
	g.PATCH("/columns/:id", h.renameColumn)
	g.PUT("/columns/:id/position", h.moveColumn)
	g.POST("/columns/:id/up", h.moveColumnUp)
	g.POST("/columns/:id/down", h.moveColumnDown)
	g.DELETE("/columns/:id", h.deleteColumn)

	g.GET("/confirmation", h.getConfirmation)
	g.POST("/confirmation/:id", h.confirm)
	g.DELETE("/confirmation/:id", h.cancel)

	g.GET("/messages", h.getMessages)
	g.DELETE("/messages/:id", h.dismissMessage)
}

type handlers struct {
	sessions *Sessions
	logger   *log.Logger
}

type boardResponse struct {
	Title        string              `json:"title"`
	Lanes        []domain.Lane       `json:"lanes"`
	Messages     []board.Notice      `json:"messages"`
	Confirmation *board.Confirmation `json:"confirmation,omitempty"`
}

type titleRequest struct {
	Title string `json:"title"`
}

type createTaskRequest struct {
	Title    string `json:"title"`
	ColumnID int64  `json:"columnId"`
	Tag      string `json:"tag"`
}

type moveTaskRequest struct {
	ColumnID int64 `json:"columnId"`
}

type createColumnRequest struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

type positionRequest struct {
	Position int `json:"position"`
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// controller returns the caller's session. A failed first load is reported
// through the session's messages and the board is still served.
func (h *handlers) controller(c echo.Context) *board.Controller {
	ctx := c.Request().Context()
	ctrl, err := h.sessions.Get(ctx, identityFrom(ctx).UserID)
	if err != nil {
		h.logger.WithError(err).Warn("session.load")
	}
	return ctrl
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func idParam(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil
}

func (h *handlers) boardView(ctrl *board.Controller) boardResponse {
	resp := boardResponse{
		Title:    ctrl.BoardTitle(),
		Lanes:    ctrl.Board().Lanes(),
		Messages: ctrl.Notices().Active(),
	}
	if conf, ok := ctrl.PendingConfirmation(); ok {
		resp.Confirmation = &conf
	}
	return resp
}

func (h *handlers) getBoard(c echo.Context) error {
	return c.JSON(http.StatusOK, h.boardView(h.controller(c)))
}

func (h *handlers) reloadBoard(c echo.Context) error {
	ctrl := h.controller(c)
	if err := ctrl.LoadBoard(c.Request().Context()); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.boardView(ctrl))
}

func (h *handlers) getBoardTitle(c echo.Context) error {
	return c.JSON(http.StatusOK, titleRequest{Title: h.controller(c).BoardTitle()})
}

func (h *handlers) putBoardTitle(c echo.Context) error {
	var req titleRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctrl := h.controller(c)
	if err := ctrl.SetBoardTitle(c.Request().Context(), req.Title); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, titleRequest{Title: ctrl.BoardTitle()})
}

func (h *handlers) searchTasks(c echo.Context) error {
	tasks := h.controller(c).SearchTasks(strings.TrimSpace(c.QueryParam("q")))
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *handlers) getTask(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	detail, err := h.controller(c).TaskDetail(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *handlers) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	task, err := h.controller(c).CreateTask(c.Request().Context(), req.Title, req.ColumnID, req.Tag)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *handlers) updateTask(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return badRequest(c, "invalid body")
	}
	ctrl := h.controller(c)
	if err := ctrl.UpdateTask(c.Request().Context(), id, patch); err != nil {
		return writeError(c, err)
	}
	task, _ := ctrl.Board().Task(id)
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) moveTask(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	var req moveTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctrl := h.controller(c)
	if err := ctrl.MoveTask(c.Request().Context(), id, req.ColumnID); err != nil {
		return writeError(c, err)
	}
	task, _ := ctrl.Board().Task(id)
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) deleteTask(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	conf, err := h.controller(c).RequestDeleteTask(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, conf)
}

func (h *handlers) createColumn(c echo.Context) error {
	var req createColumnRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	col, err := h.controller(c).CreateColumn(c.Request().Context(), req.Title, req.Status)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, col)
}

func (h *handlers) renameColumn(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid column id")
	}
	var req titleRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctrl := h.controller(c)
	if err := ctrl.RenameColumn(c.Request().Context(), id, req.Title); err != nil {
		return writeError(c, err)
	}
	col, _ := ctrl.Board().Column(id)
	return c.JSON(http.StatusOK, col)
}

func (h *handlers) moveColumn(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid column id")
	}
	var req positionRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctrl := h.controller(c)
	if err := ctrl.MoveColumn(c.Request().Context(), id, req.Position); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ctrl.Board().Columns())
}

func (h *handlers) moveColumnUp(c echo.Context) error {
	return h.swapColumn(c, (*board.Controller).MoveColumnUp)
}

func (h *handlers) moveColumnDown(c echo.Context) error {
	return h.swapColumn(c, (*board.Controller).MoveColumnDown)
}

func (h *handlers) swapColumn(c echo.Context, move func(*board.Controller, context.Context, int64) error) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid column id")
	}
	ctrl := h.controller(c)
	if err := move(ctrl, c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ctrl.Board().Columns())
}

func (h *handlers) deleteColumn(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return badRequest(c, "invalid column id")
	}
	conf, err := h.controller(c).RequestDeleteColumn(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, conf)
}

func (h *handlers) getConfirmation(c echo.Context) error {
	conf, ok := h.controller(c).PendingConfirmation()
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, conf)
}

func (h *handlers) confirm(c echo.Context) error {
	ctrl := h.controller(c)
	if err := ctrl.Confirm(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.boardView(ctrl))
}

func (h *handlers) cancel(c echo.Context) error {
	if err := h.controller(c).Cancel(c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) getMessages(c echo.Context) error {
	return c.JSON(http.StatusOK, h.controller(c).Notices().Active())
}

func (h *handlers) dismissMessage(c echo.Context) error {
	if !h.controller(c).Notices().Dismiss(c.Param("id")) {
		return writeError(c, domain.NotFound("message_not_found", "Message already cleared"))
	}
	return c.NoContent(http.StatusNoContent)
}
