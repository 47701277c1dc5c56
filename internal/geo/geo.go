package geo

import (
	"math"

	"github.com/example/ridepool/internal/models"
)

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}

// bbox is an axis-aligned bounding rectangle in degree space.
type bbox struct {
	minLat, maxLat float64
	minLng, maxLng float64
}

func boundsOf(r models.Route) bbox {
	b := bbox{minLat: r[0].Lat, maxLat: r[0].Lat, minLng: r[0].Lng, maxLng: r[0].Lng}
	for _, p := range r[1:] {
		b.minLat = math.Min(b.minLat, p.Lat)
		b.maxLat = math.Max(b.maxLat, p.Lat)
		b.minLng = math.Min(b.minLng, p.Lng)
		b.maxLng = math.Max(b.maxLng, p.Lng)
	}
	return b
}

func (b bbox) area() float64 {
	return (b.maxLat - b.minLat) * (b.maxLng - b.minLng)
}

func (b bbox) intersect(o bbox) (bbox, bool) {
	out := bbox{
		minLat: math.Max(b.minLat, o.minLat),
		maxLat: math.Min(b.maxLat, o.maxLat),
		minLng: math.Max(b.minLng, o.minLng),
		maxLng: math.Min(b.maxLng, o.maxLng),
	}
	if out.minLat > out.maxLat || out.minLng > out.maxLng {
		return bbox{}, false
	}
	return out, true
}
