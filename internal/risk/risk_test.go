package risk

import (
	"math"
	"testing"
	"time"

	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestGeo(t *testing.T) {
	t.Run("haversine one degree of longitude at the equator", func(t *testing.T) {
		assert.InDelta(t, 111195, Haversine(0, 0, 0, 1), 200)
	})

	t.Run("destination round trip", func(t *testing.T) {
		lat, lng := Destination(46.5, 7.9, 90, 1000)
		assert.InDelta(t, 1000, Haversine(46.5, 7.9, lat, lng), 1)
		assert.InDelta(t, 90, Bearing(46.5, 7.9, lat, lng), 0.5)
	})

	t.Run("distance to polyline", func(t *testing.T) {
		line := []alertapi.Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.1}}
		assert.InDelta(t, 0, DistanceToPolyline(0, 0.05, line), 0.5)
		assert.InDelta(t, 1112, DistanceToPolyline(0.01, 0.05, line), 5)
		assert.Zero(t, DistanceToPolyline(1, 1, nil))
	})

	t.Run("night", func(t *testing.T) {
		assert.True(t, IsNight(time.Date(2026, 6, 1, 23, 0, 0, 0, time.UTC), 0))
		assert.False(t, IsNight(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), 0))
		// 12:00 UTC is after midnight at 180°E
		assert.True(t, IsNight(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), 180))
	})
}

func TestClassifier(t *testing.T) {
	c := DefaultClassifier()

	t.Run("healthy hiker is low risk", func(t *testing.T) {
		out, err := c.Classify(Features{TimeSinceLastLocation: 5, Speed: 1.2, DistanceFromRoute: 20, BatteryLevel: 90, TerrainDifficulty: 1})
		require.NoError(t, err)
		assert.Equal(t, alertapi.RiskLow, out.RiskLevel)
		sum := 0.0
		for _, p := range out.Probabilities {
			sum += p
		}
		assert.InDelta(t, 1, sum, 0.001)
		assert.Equal(t, out.Probabilities[alertapi.RiskLow], out.Confidence)
	})

	t.Run("silent, off route, night and flat battery is high risk", func(t *testing.T) {
		out, err := c.Classify(Features{TimeSinceLastLocation: 240, DistanceFromRoute: 2000, BatteryLevel: 5, IsNight: 1, TerrainDifficulty: 5})
		require.NoError(t, err)
		assert.Equal(t, alertapi.RiskHigh, out.RiskLevel)
	})

	t.Run("silence raises risk", func(t *testing.T) {
		prev := -1.0
		for _, mins := range []float64{0, 30, 90, 180} {
			out, err := c.Classify(Features{TimeSinceLastLocation: mins, Speed: 1, DistanceFromRoute: 200, BatteryLevel: 60, TerrainDifficulty: 3})
			require.NoError(t, err)
			assert.Greater(t, out.Probabilities[alertapi.RiskHigh], prev)
			prev = out.Probabilities[alertapi.RiskHigh]
		}
	})

	t.Run("rejects non-finite input", func(t *testing.T) {
		_, err := c.Classify(Features{Speed: math.NaN()})
		assert.True(t, errors.IsPrecondition(err))
		_, err = c.Classify(Features{DistanceFromRoute: math.Inf(1)})
		assert.True(t, errors.IsPrecondition(err))
		assert.ErrorContains(t, err, "feature 2 is not finite")
	})
}

func TestPredictor(t *testing.T) {
	p := DefaultPredictor()
	t0 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	north := 100 / 111195.0 // 100m of latitude

	t.Run("no fixes", func(t *testing.T) {
		assert.Nil(t, p.Predict(nil, t0))
	})

	t.Run("dead reckoning along the last leg", func(t *testing.T) {
		fixes := []Fix{
			{Lat: 46 + north, Lng: 7, Time: t0.Add(100 * time.Second)},
			{Lat: 46, Lng: 7, Time: t0},
		}
		got := p.Predict(fixes, t0.Add(160*time.Second))
		require.NotNil(t, got)
		assert.InDelta(t, 60, Haversine(46+north, 7, got.Lat, got.Lng), 1)
		assert.Greater(t, got.Lat, 46+north)
		assert.InDelta(t, 0.9*math.Pow(0.5, 60.0/3600), got.Confidence, 0.001)
	})

	t.Run("speed is capped", func(t *testing.T) {
		fixes := []Fix{
			{Lat: 46, Lng: 7, Time: t0},
			{Lat: 46 + 10*north, Lng: 7, Time: t0.Add(10 * time.Second)},
		}
		got := p.Predict(fixes, t0.Add(110*time.Second))
		assert.InDelta(t, 200, Haversine(46+10*north, 7, got.Lat, got.Lng), 1)
	})

	t.Run("reported speed and heading win", func(t *testing.T) {
		fixes := []Fix{{Lat: 46, Lng: 7, Speed: f64(1), Heading: f64(90), Time: t0}}
		got := p.Predict(fixes, t0.Add(100*time.Second))
		assert.InDelta(t, 100, Haversine(46, 7, got.Lat, got.Lng), 1)
		assert.Greater(t, got.Lng, 7.0)
	})

	t.Run("single fix without heading stays put", func(t *testing.T) {
		got := p.Predict([]Fix{{Lat: 46, Lng: 7, Time: t0}}, t0.Add(time.Hour))
		assert.Equal(t, 46.0, got.Lat)
		assert.Equal(t, 7.0, got.Lng)
		assert.InDelta(t, 0.3, got.Confidence, 0.001)
	})

	t.Run("confidence floor", func(t *testing.T) {
		got := p.Predict([]Fix{{Lat: 46, Lng: 7, Time: t0}}, t0.Add(48*time.Hour))
		assert.InDelta(t, 0.075, got.Confidence, 0.001)
		got = Predictor{HalfLife: time.Minute}.Predict([]Fix{{Lat: 46, Lng: 7, Time: t0}}, t0.Add(time.Hour))
		assert.Equal(t, 0.05, got.Confidence)
	})
}

func TestBuildFeatures(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("nothing known", func(t *testing.T) {
		f := BuildFeatures(Input{At: at})
		assert.Equal(t, 240.0, f.TimeSinceLastLocation)
		assert.Equal(t, 50.0, f.BatteryLevel)
		assert.Equal(t, 3.0, f.TerrainDifficulty)
		assert.Zero(t, f.IsNight)
	})

	t.Run("reported location", func(t *testing.T) {
		seen := at.Add(-30 * time.Minute)
		f := BuildFeatures(Input{
			At:                at,
			Location:          &alertapi.Location{Latitude: 0.01, Longitude: 0.05, Speed: f64(0.4), Timestamp: &seen},
			Route:             []alertapi.Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.1}},
			BatteryLevel:      f64(12),
			TerrainDifficulty: f64(4),
		})
		assert.InDelta(t, 30, f.TimeSinceLastLocation, 0.001)
		assert.InDelta(t, 1112, f.DistanceFromRoute, 5)
		assert.Equal(t, 0.4, f.Speed)
		assert.Equal(t, 12.0, f.BatteryLevel)
		assert.Equal(t, 4.0, f.TerrainDifficulty)
	})

	t.Run("falls back to the track", func(t *testing.T) {
		north := 100 / 111195.0
		f := BuildFeatures(Input{At: at, Track: []Fix{
			{Lat: 46, Lng: 7, Time: at.Add(-20 * time.Minute)},
			{Lat: 46 + north, Lng: 7, Time: at.Add(-10 * time.Minute)},
		}})
		assert.InDelta(t, 10, f.TimeSinceLastLocation, 0.001)
		assert.InDelta(t, 100.0/600, f.Speed, 0.01)
	})
}

func TestAssess(t *testing.T) {
	at := time.Now()
	seen := at.Add(-5 * time.Minute)
	a := NewAssessor()
	r, p, err := a.Assess(Input{At: at, Location: &alertapi.Location{Latitude: 46, Longitude: 7, Timestamp: &seen}})
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NotNil(t, p)
	assert.Contains(t, []string{alertapi.RiskLow, alertapi.RiskMedium, alertapi.RiskHigh}, r.RiskLevel)

	r, p, err = a.Assess(Input{At: at})
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Nil(t, p)
}
