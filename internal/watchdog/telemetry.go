package watchdog

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"TrailWatch/internal/controltime"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/logger"
)

const telemetryKey = "telemetry"

// TelemetryUpdate is posted by the UI whenever it learns something new
// about the device. Absent fields keep their previous value.
type TelemetryUpdate struct {
	Location          *alertapi.Location `json:"location,omitempty"`
	BatteryLevel      *float64           `json:"batteryLevel,omitempty" binding:"omitempty,min=0,max=100"`
	TerrainDifficulty *float64           `json:"terrainDifficulty,omitempty" binding:"omitempty,min=1,max=5"`
}

type stateStore interface {
	PutState(ctx context.Context, key, value string) error
	GetState(ctx context.Context, key string) (string, bool, error)
}

// telemetry keeps the last known device context. It survives restarts so an
// escalation fired right after boot still carries a location.
type telemetry struct {
	mu    sync.RWMutex
	cur   TelemetryUpdate
	store stateStore
}

func newTelemetry(st stateStore) *telemetry { return &telemetry{store: st} }

func (t *telemetry) load(ctx context.Context) {
	raw, ok, err := t.store.GetState(ctx, telemetryKey)
	if err != nil || !ok {
		return
	}
	var cur TelemetryUpdate
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		logger.Warn("discarding unreadable telemetry", zap.Error(err))
		return
	}
	if cur.Location != nil && !cur.Location.Valid() {
		logger.Warn("discarding stored location out of range")
		cur.Location = nil
	}
	t.mu.Lock()
	t.cur = cur
	t.mu.Unlock()
}

// Update merges u into the current values. An out-of-range location is a
// precondition error and changes nothing.
func (t *telemetry) Update(ctx context.Context, u TelemetryUpdate) error {
	if u.Location != nil && !u.Location.Valid() {
		return errors.WithCode(errors.CodePrecondition, "location out of range")
	}
	t.mu.Lock()
	if u.Location != nil {
		loc := *u.Location
		t.cur.Location = &loc
	}
	if u.BatteryLevel != nil {
		v := *u.BatteryLevel
		t.cur.BatteryLevel = &v
	}
	if u.TerrainDifficulty != nil {
		v := *u.TerrainDifficulty
		t.cur.TerrainDifficulty = &v
	}
	raw, err := json.Marshal(t.cur)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.store.PutState(ctx, telemetryKey, string(raw))
}

func (t *telemetry) Current() TelemetryUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// Snapshot copies the current values for an outgoing alert.
func (t *telemetry) Snapshot() controltime.Telemetry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out controltime.Telemetry
	if t.cur.Location != nil {
		loc := *t.cur.Location
		out.Location = &loc
	}
	if t.cur.BatteryLevel != nil {
		v := *t.cur.BatteryLevel
		out.BatteryLevel = &v
	}
	if t.cur.TerrainDifficulty != nil {
		v := *t.cur.TerrainDifficulty
		out.TerrainDifficulty = &v
	}
	return out
}
