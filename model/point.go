package model

// GeoPoint is a geographic position in degrees, WGS84 lon/lat order.
// Altitude is metres above the ellipsoid and optional; routes supplied
// without altitude carry zero.
type GeoPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
	Alt float64 `json:"alt,omitempty"`
}

// Position is a point plus the heading of travel at that point.
type Position struct {
	GeoPoint
	// Heading is degrees clockwise from true north, in [0, 360).
	Heading float64 `json:"heading"`
}
