package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"megaphone/internal/broadcast"
	"megaphone/pkg/logx"
)

// Engine is the slice of the broadcast engine the API needs.
type Engine interface {
	Create(ctx context.Context, req broadcast.CreateRequest) (*broadcast.Job, error)
	StartDispatch(ctx context.Context, id string) error
	PauseDispatch(ctx context.Context, id string) error
	ResumeDispatch(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*broadcast.Job, error)
	List(ctx context.Context, limit, offset int) ([]*broadcast.Job, int, error)
	Log(ctx context.Context, id string, outcome broadcast.Outcome, limit, offset int) ([]broadcast.LogEntry, int, error)
	Stats(ctx context.Context, id string) (broadcast.Stats, error)
	CountAudience(ctx context.Context, spec broadcast.AudienceSpec, custom []int64) (int, error)
}

type Handler struct {
	engine Engine
	log    logx.Logger
}

func NewHandler(engine Engine, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{engine: engine, log: log}
}

func (h *Handler) createBroadcast(c *gin.Context) {
	var req createBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	job, err := h.engine.Create(c.Request.Context(), broadcast.CreateRequest{
		Title:      req.Title,
		Body:       req.Body,
		MediaRef:   req.MediaRef,
		ParseMode:  req.ParseMode,
		Audience:   broadcast.AudienceSpec(req.Audience),
		CustomIDs:  req.CustomIDs,
		ScheduleAt: req.ScheduleAt,
		CreatedBy:  req.CreatedBy,
		Draft:      req.Draft,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *Handler) startBroadcast(c *gin.Context) {
	h.control(c, h.engine.StartDispatch)
}

func (h *Handler) pauseBroadcast(c *gin.Context) {
	h.control(c, h.engine.PauseDispatch)
}

func (h *Handler) resumeBroadcast(c *gin.Context) {
	h.control(c, h.engine.ResumeDispatch)
}

func (h *Handler) control(c *gin.Context, op func(context.Context, string) error) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		h.renderError(c, err)
		return
	}
	job, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *Handler) getBroadcast(c *gin.Context) {
	job, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *Handler) listBroadcasts(c *gin.Context) {
	page, perPage := pagination(c)
	jobs, total, err := h.engine.List(c.Request.Context(), perPage, (page-1)*perPage)
	if err != nil {
		h.renderError(c, err)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toJobResponse(j))
	}
	c.JSON(http.StatusOK, pageResponse[jobResponse]{Items: items, Total: total, Page: page, PerPage: perPage})
}

func (h *Handler) getLog(c *gin.Context) {
	var outcome broadcast.Outcome
	if raw := c.Query("outcome"); raw != "" {
		parsed, err := broadcast.ParseOutcome(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		outcome = parsed
	}
	page, perPage := pagination(c)
	entries, total, err := h.engine.Log(c.Request.Context(), c.Param("id"), outcome, perPage, (page-1)*perPage)
	if err != nil {
		h.renderError(c, err)
		return
	}
	items := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, logEntryResponse{
			RecipientID: e.RecipientID,
			Outcome:     string(e.Outcome),
			Message:     e.Message,
			ErrorDetail: e.ErrorDetail,
			CreatedAt:   e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, pageResponse[logEntryResponse]{Items: items, Total: total, Page: page, PerPage: perPage})
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) countAudience(c *gin.Context) {
	spec, err := broadcast.ParseAudienceSpec(c.Query("spec"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if spec == broadcast.AudienceCustom {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "custom audiences cannot be previewed"})
		return
	}
	n, err := h.engine.CountAudience(c.Request.Context(), spec, nil)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audience": string(spec), "count": n})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var verr *broadcast.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, broadcast.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, broadcast.ErrAlreadyRunning),
		errors.Is(err, broadcast.ErrNotRunning),
		errors.Is(err, broadcast.ErrInvalidTransition):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func pagination(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	return page, perPage
}
