package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/alexacart/backend/internal/domain"
	"github.com/alexacart/backend/internal/usecase"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OrderUsecase is the order workflow the handlers drive
type OrderUsecase interface {
	Start(ctx context.Context) (string, error)
	Get(ctx context.Context, id string) (*domain.SessionSnapshot, error)
	SubmitReview(ctx context.Context, id string, idx int, review usecase.Review) (*domain.LineItem, error)
	Commit(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Subscribe(ctx context.Context, id string) (<-chan domain.ProgressEvent, error)
	SearchProducts(ctx context.Context, query string) ([]domain.Product, error)
	History(ctx context.Context, limit int) ([]domain.SessionHistory, error)
	DeleteHistory(ctx context.Context, sessionID string) error
	DeleteAllHistory(ctx context.Context) error
}

// PreferenceUsecase is the preference store editing surface
type PreferenceUsecase interface {
	ListItems(ctx context.Context) ([]domain.GroceryItem, error)
	CreateItem(ctx context.Context, name string) (*domain.GroceryItem, error)
	GetItem(ctx context.Context, id int64) (*domain.GroceryItem, error)
	DeleteItem(ctx context.Context, id int64) error
	AddAlias(ctx context.Context, id int64, alias string) (*domain.GroceryItem, error)
	RemoveAlias(ctx context.Context, id int64, alias string) (*domain.GroceryItem, error)
	AddProduct(ctx context.Context, id int64, product domain.CandidateProduct, rank int) (*domain.GroceryItem, error)
	MoveProductUp(ctx context.Context, id int64, rank int) (*domain.GroceryItem, error)
	RemoveProduct(ctx context.Context, id int64, rank int) (*domain.GroceryItem, error)
	MergeItems(ctx context.Context, sourceID, targetID int64) (*domain.GroceryItem, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	orders OrderUsecase
	prefs  PreferenceUsecase
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderUsecase, prefs PreferenceUsecase, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orders: orders, prefs: prefs, logger: logger.Named("http")}
}

// HealthCheck returns the health status of the API
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "alexacart-backend",
		"version": "1.0.0",
	})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrReviewIncomplete),
		errors.Is(err, domain.ErrAliasConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrSearchFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func intParam(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name+": "+c.Param(name))
		return 0, false
	}
	return v, true
}

// StartOrder begins a new order session
func (h *Handler) StartOrder(c *gin.Context) {
	id, err := h.orders.Start(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": id})
}

// GetOrder returns a snapshot of the session
func (h *Handler) GetOrder(c *gin.Context) {
	snap, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// StreamEvents streams progress events as server-sent events. Earlier events
// are replayed first; the stream ends with a close event when the session
// finishes.
func (h *Handler) StreamEvents(c *gin.Context) {
	events, err := h.orders.Subscribe(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			c.SSEvent("close", gin.H{"sessionId": c.Param("id")})
			return false
		}
		c.SSEvent("progress", ev)
		return true
	})
}

// SubmitReview records a reviewer decision for one line item
func (h *Handler) SubmitReview(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "invalid index: "+c.Param("index"))
		return
	}
	var review usecase.Review
	if err := c.ShouldBindJSON(&review); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	item, err := h.orders.SubmitReview(c.Request.Context(), c.Param("id"), idx, review)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// CommitOrder starts committing a reviewed session
func (h *Handler) CommitOrder(c *gin.Context) {
	if err := h.orders.Commit(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": c.Param("id"), "phase": domain.PhaseCommitting})
}

// CancelOrder stops a running session
func (h *Handler) CancelOrder(c *gin.Context) {
	if err := h.orders.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "cancelled": true})
}

// ListHistory returns past sessions, newest first
func (h *Handler) ListHistory(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "invalid limit: "+v)
			return
		}
		limit = n
	}
	history, err := h.orders.History(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": history})
}

func (h *Handler) DeleteHistory(c *gin.Context) {
	if err := h.orders.DeleteHistory(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteAllHistory(c *gin.Context) {
	if err := h.orders.DeleteAllHistory(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SearchProducts proxies a catalog search for the review picker
func (h *Handler) SearchProducts(c *gin.Context) {
	products, err := h.orders.SearchProducts(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

// ListPreferences returns every grocery item with its ranked products
func (h *Handler) ListPreferences(c *gin.Context) {
	items, err := h.prefs.ListItems(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type createItemRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) CreateItem(c *gin.Context) {
	var req createItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	item, err := h.prefs.CreateItem(c.Request.Context(), req.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetItem(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	item, err := h.prefs.GetItem(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) DeleteItem(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	if err := h.prefs.DeleteItem(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type aliasRequest struct {
	Alias string `json:"alias" binding:"required"`
}

func (h *Handler) AddAlias(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req aliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	item, err := h.prefs.AddAlias(c.Request.Context(), id, req.Alias)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) RemoveAlias(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	item, err := h.prefs.RemoveAlias(c.Request.Context(), id, c.Param("alias"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// addProductRequest inserts a product at Rank; zero appends
type addProductRequest struct {
	Product domain.CandidateProduct `json:"product"`
	Rank    int                     `json:"rank"`
}

func (h *Handler) AddProduct(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req addProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	item, err := h.prefs.AddProduct(c.Request.Context(), id, req.Product, req.Rank)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) MoveProductUp(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	rank, ok := intParam(c, "rank")
	if !ok {
		return
	}
	item, err := h.prefs.MoveProductUp(c.Request.Context(), id, int(rank))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) RemoveProduct(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	rank, ok := intParam(c, "rank")
	if !ok {
		return
	}
	item, err := h.prefs.RemoveProduct(c.Request.Context(), id, int(rank))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type mergeRequest struct {
	SourceID int64 `json:"sourceId" binding:"required"`
	TargetID int64 `json:"targetId" binding:"required"`
}

// MergeItems folds the source item into the target
func (h *Handler) MergeItems(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	item, err := h.prefs.MergeItems(c.Request.Context(), req.SourceID, req.TargetID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
