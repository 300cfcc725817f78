package core

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rescuegrid/movement-simulator/model"
)

// EarthRadiusM is the mean Earth radius used for all route geometry
// (metres). Routes are treated as polylines on a spherical Earth.
const EarthRadiusM = 6371000.0

// waypointReachedProgress is the in-segment fraction past which the end of
// the segment counts as reached. Covers loop-tick granularity landing just
// short of the exact boundary.
const waypointReachedProgress = 0.99

// ErrRouteTooShort indicates a route with fewer than two points.
var ErrRouteTooShort = fmt.Errorf("%w: route requires at least two points", model.ErrValidation)

// InterpolationResult is a position along a route at a given traveled
// distance, plus the segment bookkeeping the simulation loop persists.
type InterpolationResult struct {
	Point model.GeoPoint
	// Heading is the bearing of the containing segment, degrees clockwise
	// from true north in [0, 360).
	Heading      float64
	SegmentIndex int
	// SegmentProgress is the fraction traversed of the containing segment,
	// in [0, 1].
	SegmentProgress float64
	// Traveled is the input distance clamped to [0, total].
	Traveled float64
}

// RouteInterpolator answers position queries along a fixed polyline route.
// Geometry is precomputed at construction and immutable afterwards, so a
// single interpolator may be shared by concurrent readers.
type RouteInterpolator struct {
	points []model.GeoPoint
	// segments[i] is the great-circle length of points[i] -> points[i+1].
	segments []float64
	// cumulative[i] is the distance from the route start to points[i],
	// so cumulative has len(points) entries and cumulative[0] == 0.
	cumulative []float64
	total      float64
}

// NewRouteInterpolator validates the route and precomputes per-segment and
// cumulative distances.
func NewRouteInterpolator(points []model.GeoPoint) (*RouteInterpolator, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w, got %d", ErrRouteTooShort, len(points))
	}

	pts := append([]model.GeoPoint(nil), points...)
	segments := make([]float64, len(pts)-1)
	cumulative := make([]float64, len(pts))
	for i := 0; i < len(pts)-1; i++ {
		segments[i] = Haversine(pts[i], pts[i+1])
		cumulative[i+1] = cumulative[i] + segments[i]
	}

	return &RouteInterpolator{
		points:     pts,
		segments:   segments,
		cumulative: cumulative,
		total:      cumulative[len(cumulative)-1],
	}, nil
}

// TotalDistance returns the route length in metres.
func (r *RouteInterpolator) TotalDistance() float64 { return r.total }

// SegmentDistances returns a copy of the per-segment lengths in metres.
func (r *RouteInterpolator) SegmentDistances() []float64 {
	return append([]float64(nil), r.segments...)
}

// InterpolateByDistance returns the position after traveling the given
// distance from the route start. The distance is clamped to [0, total]:
// 0 yields the first point, anything at or past the total yields the last.
func (r *RouteInterpolator) InterpolateByDistance(traveled float64) InterpolationResult {
	if traveled <= 0 || r.total == 0 {
		return InterpolationResult{
			Point:        r.points[0],
			Heading:      Bearing(r.points[0].Lon, r.points[0].Lat, r.points[1].Lon, r.points[1].Lat),
			SegmentIndex: 0,
			Traveled:     0,
		}
	}
	if traveled >= r.total {
		last := len(r.segments) - 1
		return InterpolationResult{
			Point:           r.points[len(r.points)-1],
			Heading:         Bearing(r.points[last].Lon, r.points[last].Lat, r.points[last+1].Lon, r.points[last+1].Lat),
			SegmentIndex:    last,
			SegmentProgress: 1,
			Traveled:        r.total,
		}
	}

	// Smallest segment whose far end is at or beyond the traveled distance.
	seg := sort.Search(len(r.segments), func(i int) bool {
		return r.cumulative[i+1] >= traveled
	})

	frac := 1.0
	if r.segments[seg] > 0 {
		frac = (traveled - r.cumulative[seg]) / r.segments[seg]
	}
	a, b := r.points[seg], r.points[seg+1]

	return InterpolationResult{
		Point: model.GeoPoint{
			Lon: a.Lon + (b.Lon-a.Lon)*frac,
			Lat: a.Lat + (b.Lat-a.Lat)*frac,
			Alt: a.Alt + (b.Alt-a.Alt)*frac,
		},
		Heading:         Bearing(a.Lon, a.Lat, b.Lon, b.Lat),
		SegmentIndex:    seg,
		SegmentProgress: frac,
		Traveled:        traveled,
	}
}

// InterpolateByTime returns the position after moving at the given speed
// (metres per second) for the given elapsed time.
func (r *RouteInterpolator) InterpolateByTime(elapsed time.Duration, speed float64) InterpolationResult {
	return r.InterpolateByDistance(elapsed.Seconds() * speed)
}

// RemainingDistance returns the metres left after the given traveled
// distance, clamped to [0, total].
func (r *RouteInterpolator) RemainingDistance(traveled float64) float64 {
	if traveled <= 0 {
		return r.total
	}
	if traveled >= r.total {
		return 0
	}
	return r.total - traveled
}

// EstimatedRemainingTime returns the time left at the given speed. A
// non-positive speed yields zero.
func (r *RouteInterpolator) EstimatedRemainingTime(traveled, speed float64) time.Duration {
	if speed <= 0 {
		return 0
	}
	return time.Duration(r.RemainingDistance(traveled) / speed * float64(time.Second))
}

// Haversine returns the great-circle distance between two points in metres.
// Altitude is ignored.
func Haversine(a, b model.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// Bearing returns the initial great-circle bearing from (lon1, lat1) to
// (lon2, lat2) in degrees clockwise from true north, in [0, 360).
func Bearing(lon1, lat1, lon2, lat2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// WaypointReached reports whether the simulation has reached the end of the
// waypoint's segment: either nearly through that segment, or already on a
// later one (a tick can jump exactly over the boundary).
func WaypointReached(waypointSegment, currentSegment int, segmentProgress float64) bool {
	if currentSegment > waypointSegment {
		return true
	}
	return currentSegment == waypointSegment && segmentProgress >= waypointReachedProgress
}
