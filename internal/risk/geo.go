package risk

import (
	"math"
	"time"

	"TrailWatch/pkg/alertapi"
)

const earthRadius = 6371008.8 // meters

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Bearing returns the initial bearing from the first point to the second,
// in degrees clockwise from north.
func Bearing(lat1, lng1, lat2, lng2 float64) float64 {
	φ1, φ2 := rad(lat1), rad(lat2)
	dλ := rad(lng2 - lng1)
	y := math.Sin(dλ) * math.Cos(φ2)
	x := math.Cos(φ1)*math.Sin(φ2) - math.Sin(φ1)*math.Cos(φ2)*math.Cos(dλ)
	return math.Mod(deg(math.Atan2(y, x))+360, 360)
}

// Destination walks dist meters from a point along bearing.
func Destination(lat, lng, bearing, dist float64) (float64, float64) {
	δ := dist / earthRadius
	θ := rad(bearing)
	φ1, λ1 := rad(lat), rad(lng)
	φ2 := math.Asin(math.Sin(φ1)*math.Cos(δ) + math.Cos(φ1)*math.Sin(δ)*math.Cos(θ))
	λ2 := λ1 + math.Atan2(math.Sin(θ)*math.Sin(δ)*math.Cos(φ1), math.Cos(δ)-math.Sin(φ1)*math.Sin(φ2))
	return deg(φ2), math.Mod(deg(λ2)+540, 360) - 180
}

// DistanceToPolyline returns the distance in meters from a point to the
// closest segment of a route. Segments are projected onto a local plane,
// which is accurate enough at hiking scale.
func DistanceToPolyline(lat, lng float64, line []alertapi.Point) float64 {
	switch len(line) {
	case 0:
		return 0
	case 1:
		return Haversine(lat, lng, line[0].Lat, line[0].Lng)
	}
	kx := earthRadius * math.Cos(rad(lat)) * math.Pi / 180
	ky := earthRadius * math.Pi / 180
	best := math.Inf(1)
	for i := 1; i < len(line); i++ {
		ax, ay := (line[i-1].Lng-lng)*kx, (line[i-1].Lat-lat)*ky
		bx, by := (line[i].Lng-lng)*kx, (line[i].Lat-lat)*ky
		dx, dy := bx-ax, by-ay
		t := 0.0
		if l2 := dx*dx + dy*dy; l2 > 0 {
			t = math.Max(0, math.Min(1, -(ax*dx+ay*dy)/l2))
		}
		px, py := ax+t*dx, ay+t*dy
		best = math.Min(best, math.Hypot(px, py))
	}
	return best
}

// IsNight estimates darkness from local solar time at the longitude:
// before 06:00 or from 20:00.
func IsNight(t time.Time, lng float64) bool {
	u := t.UTC()
	solar := float64(u.Hour()) + float64(u.Minute())/60 + lng/15
	solar = math.Mod(solar+48, 24)
	return solar < 6 || solar >= 20
}
