package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freshledger/internal/ledger"
	"github.com/jmerrifield20/freshledger/internal/provenance"
	"go.uber.org/zap"
)

// ItemHandler serves CRUD routes for one kind of tracked item.
type ItemHandler struct {
	svc     *provenance.Service
	ratings *provenance.RatingService
	kind    provenance.Kind
	logger  *zap.Logger
}

// NewItemHandler creates a new ItemHandler for items of kind.
func NewItemHandler(svc *provenance.Service, kind provenance.Kind, logger *zap.Logger) *ItemHandler {
	return &ItemHandler{svc: svc, kind: kind, logger: logger.With(zap.String("kind", string(kind)))}
}

// WithRatings enables the rating routes for a composite kind.
func (h *ItemHandler) WithRatings(rs *provenance.RatingService) *ItemHandler {
	h.ratings = rs
	return h
}

// Register mounts the item routes under path on the given router group.
// Composite kinds also get a history route, and rating routes when a
// RatingService is set.
func (h *ItemHandler) Register(rg *gin.RouterGroup, path string) {
	items := rg.Group(path)
	{
		items.POST("", h.Create)
		items.GET("", h.List)
		items.GET("/:id", h.Get)
		items.PATCH("/:id", h.Update)
		items.DELETE("/:id", h.Delete)
		if h.kind.Composite() {
			items.GET("/:id/history", h.History)
			if h.ratings != nil {
				items.POST("/:id/ratings", h.SubmitRating)
				items.GET("/:id/ratings", h.AverageRating)
			}
		}
	}
}

// fail maps a service error onto a response. Internal details are logged,
// never returned.
func (h *ItemHandler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, provenance.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidTransaction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, provenance.ErrPartsNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "some " + string(h.kind.PartKind()) + "s not found"})
	case errors.Is(err, provenance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": string(h.kind) + " not found"})
	case errors.Is(err, provenance.ErrNotRecorded):
		c.JSON(http.StatusNotFound, gin.H{"error": "ledger data not found for " + string(h.kind)})
	case errors.Is(err, provenance.ErrNoRatings):
		c.JSON(http.StatusNotFound, gin.H{"error": "no ratings found for this " + string(h.kind)})
	default:
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			RecordStoreFailure(h.svc.Namespace())
		}
		h.logger.Error(op, zap.String("request_id", RequestIDFromCtx(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op + " " + string(h.kind)})
	}
}

// Create handles POST. Stores a new item and records it in the ledger.
func (h *ItemHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		item *provenance.Item
		tx   *ledger.Transaction
		err  error
	)
	if h.kind.Composite() {
		var req provenance.CompositeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, tx, err = h.svc.AddComposite(ctx, h.kind, &req)
	} else {
		var req provenance.PerishableRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, tx, err = h.svc.AddPerishable(ctx, h.kind, &req)
	}
	if err != nil {
		h.fail(c, "create", err)
		return
	}

	RecordItemEvent(string(h.kind), "create")
	c.JSON(http.StatusCreated, gin.H{
		"item":                  item,
		"blockchainTransaction": tx,
	})
}

// List handles GET. Returns every item with its ledger quality score.
func (h *ItemHandler) List(c *gin.Context) {
	views, err := h.svc.List(c.Request.Context(), h.kind)
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": views, "count": len(views)})
}

// Get handles GET /:id.
func (h *ItemHandler) Get(c *gin.Context) {
	v, err := h.svc.Get(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Update handles PATCH /:id. Applies the changed fields and records them.
func (h *ItemHandler) Update(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		res *provenance.UpdateResult
		err error
	)
	if h.kind.Composite() {
		var req provenance.CompositeUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err = h.svc.UpdateComposite(ctx, h.kind, id, &req)
	} else {
		var req provenance.PerishableUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err = h.svc.UpdatePerishable(ctx, h.kind, id, &req)
	}
	if err != nil {
		h.fail(c, "update", err)
		return
	}

	if res.Transaction != nil {
		RecordItemEvent(string(h.kind), ledger.ActionUpdate)
	}
	c.JSON(http.StatusOK, res)
}

// Delete handles DELETE /:id. Records the deletion and removes the item.
func (h *ItemHandler) Delete(c *gin.Context) {
	item, err := h.svc.Delete(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		h.fail(c, "delete", err)
		return
	}
	RecordItemEvent(string(h.kind), ledger.ActionDelete)
	c.JSON(http.StatusOK, gin.H{"deleted": item.BlockchainID})
}

// History handles GET /:id/history. Compares the first ledger record with
// the current state of a composite and its parts.
func (h *ItemHandler) History(c *gin.Context) {
	hist, err := h.svc.History(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		h.fail(c, "load history of", err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

// SubmitRating handles POST /:id/ratings.
func (h *ItemHandler) SubmitRating(c *gin.Context) {
	var req provenance.RatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ratings must be integers between 1 and 10"})
		return
	}
	rating, err := h.ratings.SubmitRating(c.Request.Context(), h.kind, c.Param("id"), &req)
	if err != nil {
		h.fail(c, "rate", err)
		return
	}
	RecordItemEvent(string(h.kind), "rate")
	c.JSON(http.StatusCreated, rating)
}

// AverageRating handles GET /:id/ratings.
func (h *ItemHandler) AverageRating(c *gin.Context) {
	sum, err := h.ratings.AverageRating(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		h.fail(c, "load ratings of", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
