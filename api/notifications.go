package api

import (
	"net/http"

	"github.com/actuallyroy/audit-notifier/identity"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/gin-gonic/gin"
)

type listQuery struct {
	IncludeRead bool `form:"includeRead"`
	Limit       int  `form:"limit"`
}

type markReadInput struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

type systemAlertInput struct {
	Title          string `json:"title" binding:"required"`
	Message        string `json:"message" binding:"required"`
	OrganisationID string `json:"organisationId"`
	Priority       string `json:"priority"`
}

func caller(c *gin.Context) model.Identity {
	id, _ := identity.FromContext(c)
	return id
}

// ListForUser lists the caller's notifications.
func (h *Handler) ListForUser(c *gin.Context) {
	var query listQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters", "detail": err.Error()})
		return
	}

	result, err := h.service.GetForUser(c.Request.Context(), caller(c).UserID, query.IncludeRead, query.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// ListForOrganisation lists the notifications addressed to the caller's organisation.
func (h *Handler) ListForOrganisation(c *gin.Context) {
	var query listQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters", "detail": err.Error()})
		return
	}

	organisationID := caller(c).OrganisationID
	if organisationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the caller does not belong to an organisation"})
		return
	}

	result, err := h.service.GetForOrganisation(c.Request.Context(), organisationID, query.IncludeRead, query.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// UnreadCount returns the caller's unread notification count.
func (h *Handler) UnreadCount(c *gin.Context) {
	count, err := h.service.UnreadCount(c.Request.Context(), caller(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// ListTemplates lists the active notification templates.
func (h *Handler) ListTemplates(c *gin.Context) {
	templates, err := h.service.ListTemplates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": templates})
}

func (h *Handler) markRead(c *gin.Context, ids []string) {
	ctx := c.Request.Context()
	userID := caller(c).UserID

	updated, err := h.service.MarkReadForUser(ctx, userID, ids)
	if err != nil {
		respondError(c, err)
		return
	}
	count, err := h.service.UnreadCount(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "unreadCount": count})
}

// MarkOneRead marks a single notification as read.
func (h *Handler) MarkOneRead(c *gin.Context) {
	h.markRead(c, []string{c.Param("id")})
}

// MarkRead marks the listed notifications as read.
func (h *Handler) MarkRead(c *gin.Context) {
	var input markReadInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input", "detail": err.Error()})
		return
	}
	h.markRead(c, input.IDs)
}

// MarkAllRead marks all of the caller's notifications as read.
func (h *Handler) MarkAllRead(c *gin.Context) {
	updated, err := h.service.MarkAllRead(c.Request.Context(), caller(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "unreadCount": 0})
}

// Delete removes one of the caller's notifications.
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.DeleteForIdentity(c.Request.Context(), caller(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendSystemAlert sends an in-app alert to an organisation.
func (h *Handler) SendSystemAlert(c *gin.Context) {
	var input systemAlertInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input", "detail": err.Error()})
		return
	}

	// An empty priority lets the service apply the alert default.
	var priority model.Priority
	if input.Priority != "" {
		parsed, err := model.ParsePriority(input.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		priority = parsed
	}

	n, err := h.service.SendSystemAlert(
		c.Request.Context(), caller(c), input.Title, input.Message, input.OrganisationID, priority,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": n})
}
