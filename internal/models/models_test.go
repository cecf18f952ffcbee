package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/util"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestCreateAlert(t *testing.T) {
	db := openDB(t)

	a := &Alert{UserID: "u1", ClientAlertID: "sos_1", AlertType: alertapi.KindSOS, TriggeredAt: time.Now()}
	a.SetLocation(&alertapi.Location{Latitude: 46.5, Longitude: 7.9})
	a.SetRisk(&alertapi.RiskAssessment{RiskLevel: alertapi.RiskHigh, Confidence: 0.7, Probabilities: map[string]float64{"high": 0.7}})

	created, err := CreateAlert(db, a)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, a.ID)
	assert.Equal(t, AlertOpen, a.Status)

	t.Run("same client id is a duplicate", func(t *testing.T) {
		dup := &Alert{UserID: "u1", ClientAlertID: "sos_1", AlertType: alertapi.KindSOS, Message: "again"}
		created, err := CreateAlert(db, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, a.ID, dup.ID)
		assert.Empty(t, dup.Message)
		assert.Equal(t, alertapi.RiskHigh, dup.RiskLevel)
	})

	t.Run("client ids are scoped per user", func(t *testing.T) {
		other := &Alert{UserID: "u2", ClientAlertID: "sos_1", AlertType: alertapi.KindSOS}
		created, err := CreateAlert(db, other)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, a.ID, other.ID)
	})

	t.Run("round trip", func(t *testing.T) {
		got, err := GetAlert(db, "u1", a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Location())
		assert.Equal(t, 46.5, got.Location().Latitude)
		resp := got.Response()
		assert.Equal(t, "sos_1", resp.AlertID)
		require.NotNil(t, resp.RiskAssessment)
		assert.Equal(t, 0.7, resp.RiskAssessment.Confidence)
		assert.Nil(t, resp.PredictedLocation)

		_, err = GetAlert(db, "u2", a.ID)
		assert.ErrorIs(t, err, ErrAlertNotFound)
	})

	t.Run("one created action", func(t *testing.T) {
		actions, err := ListAlertActions(db, a.ID)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, ActionCreated, actions[0].Action)
	})
}

func TestResolveAlert(t *testing.T) {
	db := openDB(t)
	a := &Alert{UserID: "u1", ClientAlertID: "checkin_ct1", AlertType: alertapi.KindCheckinMissed}
	_, err := CreateAlert(db, a)
	require.NoError(t, err)

	got, changed, err := ResolveAlert(db, "u1", a.ID, "ranger", "found safe")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, AlertResolved, got.Status)
	assert.Equal(t, "ranger", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	got, changed, err = ResolveAlert(db, "u1", a.ID, "someone", "")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "ranger", got.ResolvedBy)

	_, _, err = ResolveAlert(db, "u1", 9999, "x", "")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	actions, err := ListAlertActions(db, a.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionResolved, actions[1].Action)
	assert.Equal(t, "found safe", actions[1].Detail)

	open, err := ListAlerts(db, "u1", AlertOpen, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := ListAlerts(db, "u1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTracksAndRoutes(t *testing.T) {
	db := openDB(t)
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	n, err := AppendTrack(db, "u1", "r1", []alertapi.TrackFix{
		{Latitude: 46.0, Longitude: 7.0, Timestamp: base},
		{Latitude: 46.1, Longitude: 7.0, Timestamp: base.Add(10 * time.Minute)},
		{Latitude: 46.2, Longitude: 7.0, Timestamp: base.Add(20 * time.Minute)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = AppendTrack(db, "u2", "", []alertapi.TrackFix{{Latitude: 1, Longitude: 1, Timestamp: base}})
	require.NoError(t, err)

	t.Run("recent track is newest first and bounded", func(t *testing.T) {
		pts, err := RecentTrack(db, "u1", base.Add(15*time.Minute), 5)
		require.NoError(t, err)
		require.Len(t, pts, 2)
		assert.Equal(t, 46.1, pts[0].Latitude)
		assert.Equal(t, 46.0, pts[1].Latitude)

		pts, err = RecentTrack(db, "u1", base.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, pts, 1)
		assert.Equal(t, 46.2, pts[0].Latitude)
	})

	t.Run("routes upsert", func(t *testing.T) {
		r, err := GetRoute(db, "u1", "r1")
		require.NoError(t, err)
		assert.Nil(t, r)

		require.NoError(t, SaveRoute(db, &Route{UserID: "u1", RouteID: "r1", Name: "ridge", Polyline: []alertapi.Point{{Lat: 46, Lng: 7}, {Lat: 46.2, Lng: 7}}}))
		require.NoError(t, SaveRoute(db, &Route{UserID: "u1", RouteID: "r1", Name: "ridge v2", Polyline: []alertapi.Point{{Lat: 46, Lng: 7}, {Lat: 46.3, Lng: 7}}}))

		r, err = GetRoute(db, "u1", "r1")
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, "ridge v2", r.Name)
		require.Len(t, r.Polyline, 2)
		assert.Equal(t, 46.3, r.Polyline[1].Lat)
	})
}
