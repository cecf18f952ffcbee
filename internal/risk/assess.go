package risk

import (
	"time"

	"TrailWatch/pkg/alertapi"
)

// Defaults for features the device did not report.
const (
	unknownBattery = 50.0
	unknownTerrain = 3.0
)

// Input is everything the server knows about an alert when it arrives.
type Input struct {
	At                time.Time
	Location          *alertapi.Location
	Track             []Fix // recent fixes, any order
	Route             []alertapi.Point
	BatteryLevel      *float64
	TerrainDifficulty *float64
}

// position is the best current position: the reported location, else the
// latest fix.
func (in Input) position() (lat, lng float64, at time.Time, ok bool) {
	if in.Location.Valid() {
		ts := in.At
		if in.Location.Timestamp != nil {
			ts = *in.Location.Timestamp
		}
		return in.Location.Latitude, in.Location.Longitude, ts, true
	}
	var last *Fix
	for i := range in.Track {
		if last == nil || in.Track[i].Time.After(last.Time) {
			last = &in.Track[i]
		}
	}
	if last == nil {
		return 0, 0, time.Time{}, false
	}
	return last.Lat, last.Lng, last.Time, true
}

// BuildFeatures derives the classifier input.
func BuildFeatures(in Input) Features {
	f := Features{BatteryLevel: unknownBattery, TerrainDifficulty: unknownTerrain}
	if in.BatteryLevel != nil {
		f.BatteryLevel = *in.BatteryLevel
	}
	if in.TerrainDifficulty != nil {
		f.TerrainDifficulty = *in.TerrainDifficulty
	}

	lat, lng, seen, ok := in.position()
	if !ok {
		// nothing known about the position: treat it as a long silence
		f.TimeSinceLastLocation = 240
		if IsNight(in.At, 0) {
			f.IsNight = 1
		}
		return f
	}
	if d := in.At.Sub(seen); d > 0 {
		f.TimeSinceLastLocation = d.Minutes()
	}
	if IsNight(in.At, lng) {
		f.IsNight = 1
	}
	if len(in.Route) > 0 {
		f.DistanceFromRoute = DistanceToPolyline(lat, lng, in.Route)
	}

	switch {
	case in.Location != nil && in.Location.Speed != nil:
		f.Speed = *in.Location.Speed
	case len(in.Track) > 0:
		f.Speed = trackSpeed(in.Track)
	}
	return f
}

// trackSpeed is the speed between the two latest fixes, or the reported
// speed of the latest one.
func trackSpeed(track []Fix) float64 {
	var a, b *Fix // b latest, a previous
	for i := range track {
		f := &track[i]
		switch {
		case b == nil || f.Time.After(b.Time):
			a, b = b, f
		case a == nil || f.Time.After(a.Time):
			a = f
		}
	}
	if b == nil {
		return 0
	}
	if b.Speed != nil {
		return *b.Speed
	}
	if a == nil {
		return 0
	}
	dt := b.Time.Sub(a.Time).Seconds()
	if dt <= 0 {
		return 0
	}
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / dt
}

// Assessor bundles the classifier and the predictor.
type Assessor struct {
	Classifier *Classifier
	Predictor  Predictor
}

func NewAssessor() *Assessor {
	return &Assessor{Classifier: DefaultClassifier(), Predictor: DefaultPredictor()}
}

// Assess scores the alert and predicts the position. Either result may be
// nil; a classifier error leaves the assessment nil.
func (a *Assessor) Assess(in Input) (*alertapi.RiskAssessment, *alertapi.PredictedLocation, error) {
	risk, err := a.Classifier.Classify(BuildFeatures(in))

	fixes := in.Track
	if in.Location.Valid() {
		ts := in.At
		if in.Location.Timestamp != nil {
			ts = *in.Location.Timestamp
		}
		fixes = append(append([]Fix(nil), fixes...), Fix{
			Lat: in.Location.Latitude, Lng: in.Location.Longitude,
			Speed: in.Location.Speed, Heading: in.Location.Heading, Time: ts,
		})
	}
	return risk, a.Predictor.Predict(fixes, in.At), err
}
