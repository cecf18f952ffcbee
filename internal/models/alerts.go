package models

import (
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"TrailWatch/pkg/alertapi"
)

// Alert statuses.
const (
	AlertOpen     = "open"
	AlertResolved = "resolved"
)

// Alert actions recorded in the audit trail.
const (
	ActionCreated      = "created"
	ActionNotified     = "notified"
	ActionNotifyFailed = "notify_failed"
	ActionResolved     = "resolved"
)

// Alert 求助警报, 入库后只允许 resolve 修改
type Alert struct {
	ID            uint   `json:"_id" gorm:"primaryKey"`
	UserID        string `json:"user" gorm:"size:64;uniqueIndex:idx_alert_client"`
	ClientAlertID string `json:"alertId" gorm:"size:64;uniqueIndex:idx_alert_client"` // 客户端生成, 用于去重
	AlertType     string `json:"type" gorm:"size:32;index"`                          // "SOS" | "CHECKIN_MISSED"
	Status        string `json:"status" gorm:"size:16;index"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  float64  `json:"altitude,omitempty"`
	Accuracy  float64  `json:"accuracy,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`

	RouteID           string             `json:"routeId,omitempty" gorm:"size:64"`
	ControlTimeID     string             `json:"controlTimeId,omitempty" gorm:"size:64"`
	BatteryLevel      *float64           `json:"batteryLevel,omitempty"`
	TerrainDifficulty *float64           `json:"terrainDifficulty,omitempty"`
	Message           string             `json:"message,omitempty" gorm:"size:1024"`
	Contacts          []alertapi.Contact `json:"contacts,omitempty" gorm:"serializer:json"`

	RiskLevel         string             `json:"riskLevel,omitempty" gorm:"size:16"`
	RiskConfidence    *float64           `json:"riskConfidence,omitempty"`
	RiskProbabilities map[string]float64 `json:"riskProbabilities,omitempty" gorm:"serializer:json"`

	PredictedLat        *float64 `json:"predictedLat,omitempty"`
	PredictedLng        *float64 `json:"predictedLng,omitempty"`
	PredictedConfidence *float64 `json:"predictedConfidence,omitempty"`

	AdditionalData map[string]interface{} `json:"additionalData,omitempty" gorm:"serializer:json"`
	Language       string                 `json:"language,omitempty" gorm:"size:16"`

	TriggeredAt time.Time  `json:"triggeredAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy  string     `json:"resolvedBy,omitempty" gorm:"size:64"`
}

// AlertAction 警报的审计记录, 只追加
type AlertAction struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	AlertID   uint      `json:"alertId" gorm:"index"`
	Action    string    `json:"action" gorm:"size:32"`
	Channel   string    `json:"channel,omitempty" gorm:"size:32"`
	Detail    string    `json:"detail,omitempty" gorm:"size:512"`
	CreatedAt time.Time `json:"createdAt"`
}

// Location returns the reported position, or nil when none was sent.
func (a *Alert) Location() *alertapi.Location {
	if a.Latitude == nil || a.Longitude == nil {
		return nil
	}
	return &alertapi.Location{
		Latitude:  *a.Latitude,
		Longitude: *a.Longitude,
		Altitude:  a.Altitude,
		Accuracy:  a.Accuracy,
		Heading:   a.Heading,
		Speed:     a.Speed,
	}
}

func (a *Alert) SetLocation(l *alertapi.Location) {
	if l == nil {
		return
	}
	lat, lng := l.Latitude, l.Longitude
	a.Latitude, a.Longitude = &lat, &lng
	a.Altitude = l.Altitude
	a.Accuracy = l.Accuracy
	a.Heading = l.Heading
	a.Speed = l.Speed
}

func (a *Alert) SetRisk(r *alertapi.RiskAssessment) {
	if r == nil {
		return
	}
	conf := r.Confidence
	a.RiskLevel = r.RiskLevel
	a.RiskConfidence = &conf
	a.RiskProbabilities = r.Probabilities
}

func (a *Alert) SetPrediction(p *alertapi.PredictedLocation) {
	if p == nil {
		return
	}
	lat, lng, conf := p.Lat, p.Lng, p.Confidence
	a.PredictedLat, a.PredictedLng, a.PredictedConfidence = &lat, &lng, &conf
}

// Response renders the ingestion answer for this alert.
func (a *Alert) Response() alertapi.AlertResponse {
	out := alertapi.AlertResponse{ID: strconv.FormatUint(uint64(a.ID), 10), AlertID: a.ClientAlertID}
	if a.RiskLevel != "" && a.RiskConfidence != nil {
		out.RiskAssessment = &alertapi.RiskAssessment{
			RiskLevel:     a.RiskLevel,
			Confidence:    *a.RiskConfidence,
			Probabilities: a.RiskProbabilities,
		}
	}
	if a.PredictedLat != nil && a.PredictedLng != nil && a.PredictedConfidence != nil {
		out.PredictedLocation = &alertapi.PredictedLocation{
			Lat:        *a.PredictedLat,
			Lng:        *a.PredictedLng,
			Confidence: *a.PredictedConfidence,
		}
	}
	return out
}

var ErrAlertNotFound = errors.New("alert not found")

// CreateAlert inserts a new alert and its "created" action. If the user
// already sent an alert with the same client id, it returns the stored one
// and created=false.
func CreateAlert(db *gorm.DB, alert *Alert) (created bool, err error) {
	if alert.Status == "" {
		alert.Status = AlertOpen
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "client_alert_id"}},
			DoNothing: true,
		}).Create(alert)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("user_id = ? AND client_alert_id = ?", alert.UserID, alert.ClientAlertID).Take(alert).Error
		}
		created = true
		return tx.Create(&AlertAction{AlertID: alert.ID, Action: ActionCreated}).Error
	})
	return created, err
}

// GetAlert loads an alert owned by userID. An empty userID matches any owner.
func GetAlert(db *gorm.DB, userID string, id uint) (*Alert, error) {
	q := db.Where("id = ?", id)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var a Alert
	err := q.Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAlertNotFound
	}
	return &a, err
}

// ListAlerts returns the user's alerts, newest first.
func ListAlerts(db *gorm.DB, userID, status string, limit int) ([]Alert, error) {
	q := db.Where("user_id = ?", userID).Order("id desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Alert
	return out, q.Find(&out).Error
}

// ResolveAlert closes an open alert. Resolving a resolved alert changes
// nothing and reports changed=false.
func ResolveAlert(db *gorm.DB, userID string, id uint, by, note string) (alert *Alert, changed bool, err error) {
	err = db.Transaction(func(tx *gorm.DB) error {
		a, err := GetAlert(tx, userID, id)
		if err != nil {
			return err
		}
		alert = a
		if a.Status == AlertResolved {
			return nil
		}
		now := time.Now()
		res := tx.Model(&Alert{}).Where("id = ? AND status = ?", a.ID, AlertOpen).
			Updates(map[string]interface{}{"status": AlertResolved, "resolved_at": now, "resolved_by": by})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		a.Status, a.ResolvedAt, a.ResolvedBy = AlertResolved, &now, by
		changed = true
		return tx.Create(&AlertAction{AlertID: a.ID, Action: ActionResolved, Detail: truncate(note, 512)}).Error
	})
	return alert, changed, err
}

func AddAlertAction(db *gorm.DB, alertID uint, action, channel, detail string) error {
	return db.Create(&AlertAction{AlertID: alertID, Action: action, Channel: channel, Detail: truncate(detail, 512)}).Error
}

func ListAlertActions(db *gorm.DB, alertID uint) ([]AlertAction, error) {
	var out []AlertAction
	return out, db.Where("alert_id = ?", alertID).Order("id asc").Find(&out).Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
