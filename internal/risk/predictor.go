package risk

import (
	"math"
	"sort"
	"time"

	"TrailWatch/pkg/alertapi"
)

// Fix is one known position.
type Fix struct {
	Lat, Lng float64
	Speed    *float64 // m/s
	Heading  *float64 // degrees
	Time     time.Time
}

// Predictor extrapolates the current position by dead reckoning from the
// latest fixes.
type Predictor struct {
	MaxSpeed   float64       // m/s, caps implausible speeds
	MaxHorizon time.Duration // no extrapolation beyond this
	HalfLife   time.Duration // confidence halves every HalfLife
}

func DefaultPredictor() Predictor {
	return Predictor{MaxSpeed: 2.0, MaxHorizon: 3 * time.Hour, HalfLife: time.Hour}
}

// Predict returns nil when there is no fix to start from.
func (p Predictor) Predict(fixes []Fix, at time.Time) *alertapi.PredictedLocation {
	if len(fixes) == 0 {
		return nil
	}
	sorted := append([]Fix(nil), fixes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	last := sorted[len(sorted)-1]

	elapsed := at.Sub(last.Time)
	if elapsed < 0 {
		elapsed = 0
	}
	if p.MaxHorizon > 0 && elapsed > p.MaxHorizon {
		elapsed = p.MaxHorizon
	}

	speed, bearing, moving := 0.0, 0.0, false
	if last.Speed != nil {
		speed = *last.Speed
	}
	if last.Heading != nil {
		bearing, moving = *last.Heading, true
	}
	if len(sorted) >= 2 {
		prev := sorted[len(sorted)-2]
		d := Haversine(prev.Lat, prev.Lng, last.Lat, last.Lng)
		dt := last.Time.Sub(prev.Time).Seconds()
		if last.Speed == nil && dt > 0 {
			speed = d / dt
		}
		if !moving && d > 1 {
			bearing, moving = Bearing(prev.Lat, prev.Lng, last.Lat, last.Lng), true
		}
	}
	if !moving || speed < 0 || math.IsNaN(speed) {
		speed = 0
	}
	if p.MaxSpeed > 0 && speed > p.MaxSpeed {
		speed = p.MaxSpeed
	}

	lat, lng := last.Lat, last.Lng
	if speed > 0 && elapsed > 0 {
		lat, lng = Destination(lat, lng, bearing, speed*elapsed.Seconds())
	}

	conf := 0.9
	if len(sorted) == 1 && last.Heading == nil {
		conf = 0.6
	}
	if p.HalfLife > 0 {
		conf *= math.Pow(0.5, float64(elapsed)/float64(p.HalfLife))
	}
	conf = math.Max(0.05, math.Min(0.95, conf))

	return &alertapi.PredictedLocation{Lat: lat, Lng: lng, Confidence: round(conf)}
}
