// Package alertapi holds the JSON contract between the watchdog and the
// alert ingestion service. Both sides import it, so the wire payload is the
// only coupling between them.
package alertapi

import (
	"strings"
	"time"
)

// Alert kinds as they appear on the wire and in storage.
const (
	KindSOS           = "SOS"
	KindCheckinMissed = "CHECKIN_MISSED"
)

const (
	PathSOS           = "/alerts/sos"
	PathCheckinMissed = "/alerts/checkin-missed"

	IdempotencyHeader = "Idempotency-Key"
)

// Risk levels returned by the classifier.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

type Location struct {
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Altitude  float64    `json:"altitude,omitempty"`
	Accuracy  float64    `json:"accuracy,omitempty"`
	Heading   *float64   `json:"heading,omitempty"` // degrees from north
	Speed     *float64   `json:"speed,omitempty"`   // m/s
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Valid reports whether the coordinates are on the globe.
func (l *Location) Valid() bool {
	return l != nil && l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// AlertRequest is the body of both ingestion endpoints. SOS requires a
// location; a missed check-in requires the control time id.
type AlertRequest struct {
	// AlertID is generated on the device and doubles as the idempotency key.
	AlertID           string     `json:"alertId,omitempty"`
	Kind              string     `json:"kind,omitempty"`
	ControlTimeID     string     `json:"controlTimeId,omitempty"`
	Location          *Location  `json:"location,omitempty"`
	RouteID           string     `json:"routeId,omitempty"`
	BatteryLevel      *float64   `json:"batteryLevel,omitempty"`      // percent, 0-100
	TerrainDifficulty *float64   `json:"terrainDifficulty,omitempty"` // 1 (easy) to 5 (extreme)
	Message           string     `json:"message,omitempty"`
	Contacts          []Contact  `json:"contacts,omitempty"`
	ETA               *time.Time `json:"eta,omitempty"`
	GracePeriodMs     int64      `json:"gracePeriodMs,omitempty"`
	TriggeredAt       time.Time  `json:"triggeredAt"`
}

// Path returns the ingestion path for the request kind.
func (r *AlertRequest) Path() string {
	if strings.EqualFold(r.Kind, KindCheckinMissed) {
		return PathCheckinMissed
	}
	return PathSOS
}

type RiskAssessment struct {
	RiskLevel     string             `json:"riskLevel"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

type PredictedLocation struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Confidence float64 `json:"confidence"`
}

// AlertResponse is returned with 201 on first delivery and 200 when the
// alert id was already ingested.
type AlertResponse struct {
	ID                string             `json:"_id"`
	AlertID           string             `json:"alertId"`
	RiskAssessment    *RiskAssessment    `json:"riskAssessment"`
	PredictedLocation *PredictedLocation `json:"predictedLocation"`
	Duplicate         bool               `json:"duplicate,omitempty"`
}

type TrackFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
}

type TrackUpload struct {
	RouteID string     `json:"routeId,omitempty"`
	Fixes   []TrackFix `json:"fixes" binding:"required,min=1,dive"`
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RouteUpload struct {
	Name     string  `json:"name,omitempty"`
	Polyline []Point `json:"polyline" binding:"required,min=2"`
}
