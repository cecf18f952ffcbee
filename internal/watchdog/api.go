package watchdog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"TrailWatch/internal/controltime"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
	"TrailWatch/pkg/response"
	"TrailWatch/pkg/util"
)

func (a *App) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), metrics.MonitorMiddleware(a.metrics))

	ct := r.Group("/control-times")
	{
		ct.POST("", a.armControlTime)
		ct.GET("", a.listControlTimes)
		ct.GET("/:id", a.getControlTime)
		ct.POST("/:id/ack", a.acknowledge)
		ct.POST("/:id/snooze", a.snooze)
		ct.DELETE("/:id", a.cancelControlTime)
	}
	r.POST("/sos", a.sos)
	r.POST("/telemetry", a.updateTelemetry)
	r.GET("/telemetry", a.getTelemetry)
	r.POST("/connectivity", a.setConnectivity)
	r.GET("/queue", a.getQueue)
	r.GET("/events", a.events)
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	return r
}

type armBody struct {
	ID            string             `json:"id"`
	RouteID       string             `json:"routeId"`
	ETA           time.Time          `json:"eta" binding:"required"`
	GracePeriodMs *int64             `json:"gracePeriodMs"`
	Contacts      []alertapi.Contact `json:"contacts"`
}

func (a *App) armControlTime(c *gin.Context) {
	var body armBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}
	var requested *time.Duration
	if body.GracePeriodMs != nil {
		if *body.GracePeriodMs < 0 {
			response.Fail(c, "gracePeriodMs must not be negative", nil)
			return
		}
		d := time.Duration(*body.GracePeriodMs) * time.Millisecond
		requested = &d
	}
	grace, clamped := a.clampGrace(requested)
	if clamped {
		logger.Info("grace period clamped", zap.Durationp("requested", requested), zap.Duration("grace", grace))
	}

	ct, err := a.machine.Arm(c.Request.Context(), controltime.ArmRequest{
		ID:          body.ID,
		RouteID:     body.RouteID,
		ETA:         body.ETA,
		GracePeriod: grace,
		Contacts:    body.Contacts,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "armed", gin.H{"controlTime": ct, "graceClamped": clamped})
}

func (a *App) listControlTimes(c *gin.Context) {
	var states []string
	if s := c.Query("state"); s != "" {
		states = append(states, s)
	}
	list, err := a.machine.List(c.Request.Context(), states...)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", list)
}

func (a *App) getControlTime(c *gin.Context) {
	ct, err := a.machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if ct == nil {
		c.JSON(http.StatusNotFound, response.Response{Code: http.StatusNotFound, Msg: "control time not found"})
		return
	}
	response.Success(c, "ok", ct)
}

func (a *App) acknowledge(c *gin.Context) {
	ct, err := a.machine.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "acknowledged", ct)
}

type snoozeBody struct {
	Minutes float64 `json:"minutes" binding:"required,gt=0"`
}

func (a *App) snooze(c *gin.Context) {
	var body snoozeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}
	extra := time.Duration(body.Minutes * float64(time.Minute))
	ct, err := a.machine.Snooze(c.Request.Context(), c.Param("id"), extra)
	if err != nil {
		response.Error(c, err)
		return
	}
	if ct == nil {
		response.Success(c, "nothing to snooze", nil)
		return
	}
	response.Success(c, "snoozed", ct)
}

func (a *App) cancelControlTime(c *gin.Context) {
	ct, err := a.machine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "cancelled", ct)
}

type sosBody struct {
	Message  string             `json:"message"`
	RouteID  string             `json:"routeId"`
	Location *alertapi.Location `json:"location"`
	Contacts []alertapi.Contact `json:"contacts"`
}

// sos queues an SOS alert. It answers 202 even when offline: the alert is
// persisted and will be delivered once the server is reachable.
func (a *App) sos(c *gin.Context) {
	var body sosBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Fail(c, "invalid request", gin.H{"error": err.Error()})
			return
		}
	}
	if body.Location != nil && !body.Location.Valid() {
		response.Fail(c, "location out of range", nil)
		return
	}
	snap := a.telemetry.Snapshot()
	req := alertapi.AlertRequest{
		AlertID:           util.NewID("sos"),
		Kind:              alertapi.KindSOS,
		Location:          body.Location,
		RouteID:           body.RouteID,
		BatteryLevel:      snap.BatteryLevel,
		TerrainDifficulty: snap.TerrainDifficulty,
		Message:           body.Message,
		Contacts:          body.Contacts,
		TriggeredAt:       time.Now(),
	}
	if req.Location == nil {
		req.Location = snap.Location
	} else if err := a.telemetry.Update(c.Request.Context(), TelemetryUpdate{Location: body.Location}); err != nil {
		logger.Warn("persist sos location", zap.Error(err))
	}
	id, err := a.queue.Enqueue(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, "queued", gin.H{"alertId": id, "status": "queued"})
}

func (a *App) updateTelemetry(c *gin.Context) {
	var body TelemetryUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}
	if body.Location != nil && !body.Location.Valid() {
		response.Fail(c, "location out of range", nil)
		return
	}
	if err := a.telemetry.Update(c.Request.Context(), body); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", a.telemetry.Current())
}

func (a *App) getTelemetry(c *gin.Context) {
	response.Success(c, "ok", a.telemetry.Current())
}

type connectivityBody struct {
	Online *bool `json:"online" binding:"required"`
}

func (a *App) setConnectivity(c *gin.Context) {
	var body connectivityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}
	a.coord.SetOnline(*body.Online)
	response.Success(c, "ok", gin.H{"online": a.coord.Online()})
}

func (a *App) getQueue(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := a.queue.Pending(ctx)
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("history", "20"))
	history, err := a.queue.History(ctx, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", gin.H{
		"online":  a.coord.Online(),
		"pending": pending,
		"history": history,
	})
}

func (a *App) events(c *gin.Context) {
	a.hub.Serve(c, c.DefaultQuery("client", util.NewID("ui")))
}
