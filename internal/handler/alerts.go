package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"TrailWatch/internal/models"
	"TrailWatch/internal/risk"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/cache"
	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/middleware"
	"TrailWatch/pkg/response"
	"TrailWatch/pkg/util"
)

const (
	trackWindow   = 20
	maxListAlerts = 200
)

func (h *Handlers) handleIngestSOS(c *gin.Context) { h.ingest(c, alertapi.KindSOS) }

func (h *Handlers) handleIngestCheckinMissed(c *gin.Context) {
	h.ingest(c, alertapi.KindCheckinMissed)
}

// ingest stores an alert and answers with its assessment. A known alertId
// answers 200 with the stored record so a retrying client can stop.
func (h *Handlers) ingest(c *gin.Context, kind string) {
	var req alertapi.AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "invalid alert payload", err.Error())
		return
	}
	req.Kind = kind
	if err := validateAlert(&req); err != nil {
		response.Error(c, err)
		return
	}

	user := middleware.CurrentUser(c)
	now := h.now()
	clientID := strings.TrimSpace(req.AlertID)
	if clientID == "" {
		clientID = strings.TrimSpace(c.GetHeader(alertapi.IdempotencyHeader))
	}
	if clientID == "" {
		clientID = util.NewID(strings.ToLower(strings.SplitN(kind, "_", 2)[0]))
	}
	triggered := req.TriggeredAt
	if triggered.IsZero() {
		triggered = now
	}

	alert := &models.Alert{
		UserID:            user,
		ClientAlertID:     clientID,
		AlertType:         kind,
		RouteID:           req.RouteID,
		ControlTimeID:     req.ControlTimeID,
		BatteryLevel:      req.BatteryLevel,
		TerrainDifficulty: req.TerrainDifficulty,
		Message:           req.Message,
		Contacts:          req.Contacts,
		Language:          c.GetString(middleware.ContextLangKey),
		TriggeredAt:       triggered.UTC(),
	}
	alert.SetLocation(req.Location)
	if req.ETA != nil || req.GracePeriodMs > 0 {
		alert.AdditionalData = map[string]interface{}{"gracePeriodMs": req.GracePeriodMs}
		if req.ETA != nil {
			alert.AdditionalData["eta"] = req.ETA.UTC().Format(time.RFC3339)
		}
	}

	// 风险评估失败不影响入库
	assessment, predicted, err := h.assessor.Assess(h.riskInput(user, &req, now))
	if err != nil {
		logger.Warn("risk assessment failed", zap.String("alert", clientID), zap.Error(err))
	}
	alert.SetRisk(assessment)
	alert.SetPrediction(predicted)

	created, err := models.CreateAlert(h.db, alert)
	if err != nil {
		logger.Error("store alert failed", zap.String("alert", clientID), zap.Error(err))
		h.metrics.AlertIngested(kind, alert.RiskLevel, "error")
		response.Error(c, errors.WrapCode(err, errors.CodeTransient, "alert could not be stored"))
		return
	}
	resp := alert.Response()
	if !created {
		resp.Duplicate = true
		h.metrics.AlertIngested(kind, alert.RiskLevel, "duplicate")
		c.JSON(http.StatusOK, resp)
		return
	}
	h.metrics.AlertIngested(kind, alert.RiskLevel, "created")
	c.JSON(http.StatusCreated, resp)

	if h.dispatcher != nil {
		h.dispatcher.DispatchAsync(alert)
	}
}

func validateAlert(req *alertapi.AlertRequest) error {
	if req.Kind == alertapi.KindCheckinMissed && strings.TrimSpace(req.ControlTimeID) == "" {
		return errors.WithCode(errors.CodePrecondition, "controlTimeId is required")
	}
	if req.Location != nil && !req.Location.Valid() {
		return errors.WithCode(errors.CodePrecondition, "location is out of range")
	}
	if b := req.BatteryLevel; b != nil && (*b < 0 || *b > 100) {
		return errors.WithCode(errors.CodePrecondition, "batteryLevel must be between 0 and 100")
	}
	if d := req.TerrainDifficulty; d != nil && (*d < 1 || *d > 5) {
		return errors.WithCode(errors.CodePrecondition, "terrainDifficulty must be between 1 and 5")
	}
	if len(req.AlertID) > 64 {
		return errors.WithCode(errors.CodePrecondition, "alertId is too long")
	}
	return nil
}

// riskInput gathers the user's recent track and planned route. Lookup
// failures only degrade the assessment.
func (h *Handlers) riskInput(user string, req *alertapi.AlertRequest, now time.Time) risk.Input {
	in := risk.Input{
		At:                now,
		Location:          req.Location,
		BatteryLevel:      req.BatteryLevel,
		TerrainDifficulty: req.TerrainDifficulty,
	}
	points, err := models.RecentTrack(h.db, user, now, trackWindow)
	if err != nil {
		logger.Warn("load track failed", zap.String("user", user), zap.Error(err))
	}
	for _, p := range points {
		in.Track = append(in.Track, risk.Fix{Lat: p.Latitude, Lng: p.Longitude, Speed: p.Speed, Heading: p.Heading, Time: p.Timestamp})
	}
	if req.RouteID != "" {
		in.Route = h.routePolyline(user, req.RouteID)
	}
	return in
}

const routeCacheTTL = 10 * time.Minute

func routeKey(user, routeID string) string { return "route:" + user + ":" + routeID }

// routePolyline returns the planned route, nil when unknown.
func (h *Handlers) routePolyline(user, routeID string) []alertapi.Point {
	ctx := context.Background()
	key := routeKey(user, routeID)
	if line, ok := cache.GetAs[[]alertapi.Point](ctx, h.cache, key); ok {
		return line
	}
	route, err := models.GetRoute(h.db, user, routeID)
	if err != nil {
		logger.Warn("load route failed", zap.String("route", routeID), zap.Error(err))
		return nil
	}
	if route == nil {
		return nil
	}
	if err := h.cache.Set(ctx, key, route.Polyline, routeCacheTTL); err != nil {
		logger.Debug("cache route failed", zap.String("route", routeID), zap.Error(err))
	}
	return route.Polyline
}

func (h *Handlers) handleListAlerts(c *gin.Context) {
	status := c.Query("status")
	if status != "" && status != models.AlertOpen && status != models.AlertResolved {
		response.Fail(c, "status must be open or resolved", nil)
		return
	}
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > maxListAlerts {
		limit = maxListAlerts
	}
	alerts, err := models.ListAlerts(h.db, middleware.CurrentUser(c), status, limit)
	if err != nil {
		response.Error(c, errors.Wrap(err, "list alerts"))
		return
	}
	response.Success(c, "ok", alerts)
}

func (h *Handlers) handleGetAlert(c *gin.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	alert, err := models.GetAlert(h.db, middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, notFound(err))
		return
	}
	actions, err := models.ListAlertActions(h.db, alert.ID)
	if err != nil {
		response.Error(c, errors.Wrap(err, "list alert actions"))
		return
	}
	response.Success(c, "ok", gin.H{"alert": alert, "actions": actions})
}

type resolveBody struct {
	Note string `json:"note"`
}

func (h *Handlers) handleResolveAlert(c *gin.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	var body resolveBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Fail(c, "invalid body", err.Error())
			return
		}
	}
	user := middleware.CurrentUser(c)
	alert, changed, err := models.ResolveAlert(h.db, user, id, user, body.Note)
	if err != nil {
		response.Error(c, notFound(err))
		return
	}
	if !changed {
		response.Success(c, "already resolved", alert)
		return
	}
	if h.dispatcher != nil {
		h.dispatcher.Resolved(alert)
	}
	response.Success(c, "resolved", alert)
}

// handleAlertStream is the rescuer dashboard feed. ?topic=<user> narrows it
// to one hiker; Last-Event-ID resumes after a reconnect.
func (h *Handlers) handleAlertStream(c *gin.Context) {
	h.hub.Serve(c, util.NewID("dash"))
}

func alertID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, "invalid alert id", nil)
		return 0, false
	}
	return uint(id), true
}

func notFound(err error) error {
	if errors.Is(err, models.ErrAlertNotFound) {
		return errors.WithCode(errors.CodeNotFound, "alert not found")
	}
	return errors.Wrap(err, "load alert")
}
