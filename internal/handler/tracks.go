package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"TrailWatch/internal/models"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/middleware"
	"TrailWatch/pkg/response"
)

const maxTrackBatch = 1000

// handleUploadTrack stores a batch of GPS fixes for the caller.
func (h *Handlers) handleUploadTrack(c *gin.Context) {
	var req alertapi.TrackUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "invalid track payload", err.Error())
		return
	}
	if len(req.Fixes) > maxTrackBatch {
		response.Fail(c, "too many fixes in one upload", gin.H{"max": maxTrackBatch})
		return
	}
	for i, f := range req.Fixes {
		l := alertapi.Location{Latitude: f.Latitude, Longitude: f.Longitude}
		if !l.Valid() {
			response.Fail(c, "fix out of range", gin.H{"index": i})
			return
		}
	}
	n, err := models.AppendTrack(h.db, middleware.CurrentUser(c), req.RouteID, req.Fixes)
	if err != nil {
		response.Error(c, errors.WrapCode(err, errors.CodeTransient, "track could not be stored"))
		return
	}
	response.Created(c, "stored", gin.H{"stored": n})
}

func (h *Handlers) handleSaveRoute(c *gin.Context) {
	var req alertapi.RouteUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "invalid route payload", err.Error())
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || len(id) > 64 {
		response.Fail(c, "invalid route id", nil)
		return
	}
	r := &models.Route{UserID: middleware.CurrentUser(c), RouteID: id, Name: req.Name, Polyline: req.Polyline}
	if err := models.SaveRoute(h.db, r); err != nil {
		response.Error(c, errors.Wrap(err, "save route"))
		return
	}
	if err := h.cache.Delete(c.Request.Context(), routeKey(r.UserID, id)); err != nil {
		logger.Warn("evict cached route failed", zap.String("route", id), zap.Error(err))
	}
	response.Success(c, "saved", r)
}

func (h *Handlers) handleGetRoute(c *gin.Context) {
	r, err := models.GetRoute(h.db, middleware.CurrentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, errors.Wrap(err, "load route"))
		return
	}
	if r == nil {
		response.Error(c, errors.WithCode(errors.CodeNotFound, "route not found"))
		return
	}
	response.Success(c, "ok", r)
}
