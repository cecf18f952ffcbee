package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"TrailWatch/pkg/alertapi"
)

// TrackPoint is one uploaded GPS fix.
type TrackPoint struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user" gorm:"size:64;index:idx_track_user_time"`
	RouteID   string    `json:"routeId,omitempty" gorm:"size:64"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp" gorm:"index:idx_track_user_time"`
	CreatedAt time.Time `json:"createdAt"`
}

// Route is a planned route. Polyline points are stored as JSON.
type Route struct {
	UserID    string           `json:"user" gorm:"primaryKey;size:64"`
	RouteID   string           `json:"routeId" gorm:"primaryKey;size:64"`
	Name      string           `json:"name,omitempty" gorm:"size:128"`
	Polyline  []alertapi.Point `json:"polyline" gorm:"serializer:json"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Alert{}, &AlertAction{}, &TrackPoint{}, &Route{})
}

func AppendTrack(db *gorm.DB, userID, routeID string, fixes []alertapi.TrackFix) (int, error) {
	if len(fixes) == 0 {
		return 0, nil
	}
	points := make([]TrackPoint, 0, len(fixes))
	for _, f := range fixes {
		points = append(points, TrackPoint{
			UserID:    userID,
			RouteID:   routeID,
			Latitude:  f.Latitude,
			Longitude: f.Longitude,
			Altitude:  f.Altitude,
			Speed:     f.Speed,
			Heading:   f.Heading,
			Timestamp: f.Timestamp.UTC(),
		})
	}
	if err := db.CreateInBatches(&points, 200).Error; err != nil {
		return 0, err
	}
	return len(points), nil
}

// RecentTrack returns the user's latest fixes taken at or before until,
// newest first.
func RecentTrack(db *gorm.DB, userID string, until time.Time, limit int) ([]TrackPoint, error) {
	var out []TrackPoint
	err := db.Where("user_id = ? AND timestamp <= ?", userID, until.UTC()).
		Order("timestamp desc").Limit(limit).Find(&out).Error
	return out, err
}

func SaveRoute(db *gorm.DB, r *Route) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "route_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "polyline", "updated_at"}),
	}).Create(r).Error
}

// GetRoute returns nil when the route is unknown.
func GetRoute(db *gorm.DB, userID, routeID string) (*Route, error) {
	var r Route
	err := db.Where("user_id = ? AND route_id = ?", userID, routeID).Limit(1).Find(&r).Error
	if err != nil || r.RouteID == "" {
		return nil, err
	}
	return &r, nil
}
