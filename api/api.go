// Package api exposes the notification service and the real-time hub over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/hub"
	"github.com/actuallyroy/audit-notifier/identity"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/actuallyroy/audit-notifier/notifications"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = common.Log.WithFields(logrus.Fields{"package": "api"})

// Handler serves the REST and websocket endpoints.
type Handler struct {
	service  *notifications.Service
	hub      *hub.Hub
	verifier *identity.Verifier
}

// NewHandler returns a Handler for the given components.
func NewHandler(service *notifications.Service, h *hub.Hub, verifier *identity.Verifier) *Handler {
	return &Handler{service: service, hub: h, verifier: verifier}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authenticated := h.verifier.Middleware()
	router.GET("/hubs/notifications", authenticated, h.ServeHub)

	managers := identity.RequireRole(model.RoleManager, model.RoleAdmin)
	admins := identity.RequireRole(model.RoleAdmin)

	group := router.Group("/api/notifications", authenticated)
	group.GET("", h.ListForUser)
	group.GET("/organisation", managers, h.ListForOrganisation)
	group.GET("/unread-count", h.UnreadCount)
	group.GET("/templates", admins, h.ListTemplates)
	group.PUT("/mark-read", h.MarkRead)
	group.PUT("/read-all", h.MarkAllRead)
	group.PUT("/:id/read", h.MarkOneRead)
	group.DELETE("/:id", h.Delete)
	group.POST("/system", admins, h.SendSystemAlert)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("handled request")
	}
}

// respondError maps the error taxonomy to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case handlers.IsValidation(err):
		status = http.StatusBadRequest
	case handlers.IsAuthorization(err):
		status = http.StatusForbidden
	case errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case handlers.IsPersistence(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Health reports that the service is up along with the number of local hub connections.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     common.ServiceName,
		"connections": h.hub.Registry().Count(),
	})
}

// ServeHub upgrades the request to a hub connection for the authenticated caller.
func (h *Handler) ServeHub(c *gin.Context) {
	caller, ok := identity.FromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	h.hub.ServeWebSocket(c.Writer, c.Request, caller)
}
