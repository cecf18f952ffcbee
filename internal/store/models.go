package store

import (
	"time"

	"TrailWatch/pkg/alertapi"
)

// Control time states.
const (
	StateArmed        = "armed"
	StateAcknowledged = "acknowledged"
	StateGraceExpired = "grace_expired"
	StateEscalated    = "escalated"
	StateCancelled    = "cancelled"
)

// Pending alert states.
const (
	AlertPending = "pending"
	AlertSent    = "sent"
)

// ControlTime is a user-declared check-in deadline.
type ControlTime struct {
	ID            string             `json:"id" gorm:"primaryKey;size:64"`
	RouteID       string             `json:"routeId,omitempty" gorm:"size:64"`
	ETAMs         int64              `json:"etaMs"`
	GracePeriodMs int64              `json:"gracePeriodMs"`
	Contacts      []alertapi.Contact `json:"contacts,omitempty" gorm:"serializer:json"`
	State         string             `json:"state" gorm:"size:16;index"`
	Acknowledged  bool               `json:"acknowledged"`
	// DeadlineFiredMs is set once the deadline callback ran; the control
	// time is then inside its grace period.
	DeadlineFiredMs int64      `json:"deadlineFiredMs,omitempty"`
	AlertID         string     `json:"alertId,omitempty" gorm:"size:64"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

func (ControlTime) TableName() string { return "control_times" }

func (c *ControlTime) ETA() time.Time { return time.UnixMilli(c.ETAMs) }

func (c *ControlTime) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// GraceDeadlineMs is the instant escalation happens if nobody checks in.
func (c *ControlTime) GraceDeadlineMs() int64 { return c.ETAMs + c.GracePeriodMs }

func (c *ControlTime) Terminal() bool {
	switch c.State {
	case StateAcknowledged, StateEscalated, StateCancelled:
		return true
	}
	return false
}

// TimerRecord is the persisted form of an armed timer. It stores what to
// do (kind and owner), never how.
type TimerRecord struct {
	ID            string `gorm:"primaryKey;size:96"`
	Kind          string `gorm:"size:32"`
	OwnerID       string `gorm:"size:64;index"`
	FireAtMs      int64  `gorm:"index"`
	GracePeriodMs int64
	CreatedAt     time.Time
}

func (TimerRecord) TableName() string { return "active_control_timers" }

// PendingAlert is an alert not yet confirmed by the server. Seq keeps
// enqueue order.
type PendingAlert struct {
	Seq           uint       `json:"-" gorm:"primaryKey;autoIncrement"`
	ID            string     `json:"id" gorm:"uniqueIndex;size:64"`
	Kind          string     `json:"kind" gorm:"size:32"`
	Payload       string     `json:"payload" gorm:"type:text"`
	QueuedAt      time.Time  `json:"queuedAt"`
	RetryCount    int        `json:"retryCount"`
	Status        string     `json:"status" gorm:"size:16"`
	LastError     string     `json:"lastError,omitempty" gorm:"size:512"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

func (PendingAlert) TableName() string { return "pending_alerts" }

// HistoryEntry records a delivered alert. Rows are never updated.
type HistoryEntry struct {
	ID         uint      `json:"-" gorm:"primaryKey"`
	AlertID    string    `json:"alertId" gorm:"uniqueIndex;size:64"`
	Kind       string    `json:"kind" gorm:"size:32"`
	Payload    string    `json:"payload" gorm:"type:text"`
	QueuedAt   time.Time `json:"queuedAt"`
	SentAt     time.Time `json:"sentAt"`
	RetryCount int       `json:"retryCount"`
	Status     string    `json:"status" gorm:"size:16"`
	ServerID   string    `json:"serverId,omitempty" gorm:"size:64"`
	StatusCode int       `json:"statusCode"`
	Duplicate  bool      `json:"duplicate"`
}

func (HistoryEntry) TableName() string { return "alerts_history" }

// DeviceState is a small key/value table for facts that must survive a
// restart, such as the last known location.
type DeviceState struct {
	Key       string `gorm:"column:state_key;primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (DeviceState) TableName() string { return "device_state" }

// Receipt describes the server's acknowledgment of a delivered alert.
type Receipt struct {
	ServerID   string
	StatusCode int
	Duplicate  bool
}
