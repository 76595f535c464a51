package session

import (
	"math"
	"time"
)

const (
	// maxTravelSpeedKmh is the fastest plausible movement between two
	// observed locations. Commercial flight tops out around 900 km/h.
	maxTravelSpeedKmh = 1000

	dormancyWindow        = 24 * time.Hour
	dormancyRequestFloor  = 1000
	earthRadiusKilometers = 6371
)

// activityContext is the observed client context of one activity update,
// compared against the stored session state.
type activityContext struct {
	Now       time.Time
	IPAddress string
	UserAgent string
	Location  *Location
}

// detectAnomalies compares one activity update against the session state
// recorded before the update. The session is not mutated.
func detectAnomalies(s *Session, actx activityContext) []Indicator {
	var indicators []Indicator

	if actx.IPAddress != "" && s.IPAddress != "" && actx.IPAddress != s.IPAddress {
		indicators = append(indicators, IndicatorIPChange)
	}
	if actx.UserAgent != "" && s.UserAgent != "" && actx.UserAgent != s.UserAgent {
		indicators = append(indicators, IndicatorUserAgentChange)
	}

	idle := actx.Now.Sub(s.LastActivity)
	if idle > dormancyWindow && s.RequestCount > dormancyRequestFloor {
		indicators = append(indicators, IndicatorUnusualActivity)
	}

	if actx.Location != nil && s.Location != nil {
		distance := haversineKm(*s.Location, *actx.Location)
		hours := idle.Hours()
		if hours > 0 && distance/hours > maxTravelSpeedKmh {
			indicators = append(indicators, IndicatorImpossibleTravel)
		}
	}

	return indicators
}

// haversineKm is the great-circle distance between two points in
// kilometers.
func haversineKm(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKilometers * c
}
