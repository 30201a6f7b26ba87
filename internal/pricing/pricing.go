package pricing

import (
	"math"

	"github.com/example/fulfillment-dispatch/internal/config"
	"github.com/example/fulfillment-dispatch/internal/geo"
	"github.com/example/fulfillment-dispatch/internal/models"
)

// Engine computes fares. It is a pure function of its inputs and the
// configured constants; the same formula produces both the
// pre-acceptance estimate and the post-completion final fare, the only
// difference being which distance/duration measurements are fed in.
type Engine struct {
	Base        int64
	PerKm       int64
	PerMinute   int64
	MinFare     int64
	RoundTo     int64
	AvgSpeedKmh float64

	ClassMultipliers map[string]float64
	Zones            *ZoneSet
}

func NewEngine(cfg config.PricingConfig, zones *ZoneSet) *Engine {
	if zones == nil {
		zones = NewZoneSet()
	}
	return &Engine{
		Base:             cfg.BaseFare,
		PerKm:            cfg.PerKm,
		PerMinute:        cfg.PerMinute,
		MinFare:          cfg.MinFare,
		RoundTo:          cfg.RoundTo,
		AvgSpeedKmh:      cfg.AvgSpeedKmh,
		ClassMultipliers: cfg.ClassMultipliers,
		Zones:            zones,
	}
}

// Quote prices a trip from measured distance and duration. Negative
// durations (clock skew, GPS jitter) are treated as zero; the result
// never goes below MinFare and never fails.
func (e *Engine) Quote(distKm, durationMin, surge, classMult float64) int64 {
	if distKm < 0 {
		distKm = 0
	}
	if durationMin < 0 {
		durationMin = 0
	}
	if surge < 1.0 {
		surge = 1.0
	}
	if classMult < 1.0 {
		classMult = 1.0
	}
	raw := (float64(e.Base) + distKm*float64(e.PerKm) + durationMin*float64(e.PerMinute)) * surge * classMult
	fare := roundNearest(e.RoundTo, raw)
	if fare < e.MinFare {
		fare = e.MinFare
	}
	return fare
}

// Estimate projects distance and duration from pickup to dropoff and
// prices them. Surge is looked up by containment of the pickup point.
func (e *Engine) Estimate(pickup models.Location, dropoff *models.Location, class models.CapabilityClass) (fare int64, distKm, durationMin float64) {
	if dropoff != nil {
		distKm = geo.HaversineKm(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng)
	}
	durationMin = e.DurationMinutes(distKm)
	fare = e.Quote(distKm, durationMin, e.Zones.SurgeAt(pickup), e.classMultiplier(class))
	return fare, distKm, durationMin
}

// Final prices a completed trip from actual tracked measurements.
func (e *Engine) Final(pickup models.Location, class models.CapabilityClass, actualKm, actualMin float64) int64 {
	return e.Quote(actualKm, actualMin, e.Zones.SurgeAt(pickup), e.classMultiplier(class))
}

// DurationMinutes converts distance to projected travel time at the
// configured average speed.
func (e *Engine) DurationMinutes(distKm float64) float64 {
	if e.AvgSpeedKmh <= 0 {
		return 0
	}
	return distKm / e.AvgSpeedKmh * 60
}

func (e *Engine) classMultiplier(class models.CapabilityClass) float64 {
	if m, ok := e.ClassMultipliers[string(class)]; ok {
		return m
	}
	return 1.0
}

func roundNearest(increment int64, v float64) int64 {
	if increment <= 0 {
		return int64(math.Round(v))
	}
	return int64(math.Round(v/float64(increment))) * increment
}
