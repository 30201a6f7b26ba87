package pricing

import (
	"sync"

	"github.com/example/fulfillment-dispatch/internal/geo"
	"github.com/example/fulfillment-dispatch/internal/models"
)

// Zone is a circular surge area. A point is inside when its
// great-circle distance from the center is within RadiusKm.
type Zone struct {
	ID         string          `json:"id"`
	Center     models.Location `json:"center"`
	RadiusKm   float64         `json:"radius_km"`
	Multiplier float64         `json:"multiplier"` // >= 1.0
	Active     bool            `json:"active"`
}

func (z Zone) contains(p models.Location) bool {
	return geo.HaversineKm(z.Center.Lat, z.Center.Lng, p.Lat, p.Lng) <= z.RadiusKm
}

// ZoneSet holds the active surge zones. Zones overlap rarely; when
// they do, the highest multiplier wins.
type ZoneSet struct {
	mu    sync.RWMutex
	zones map[string]Zone
}

func NewZoneSet(zones ...Zone) *ZoneSet {
	s := &ZoneSet{zones: make(map[string]Zone, len(zones))}
	for _, z := range zones {
		s.zones[z.ID] = z
	}
	return s
}

func (s *ZoneSet) Put(z Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[z.ID] = z
}

func (s *ZoneSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zones, id)
}

// SurgeAt returns the surge multiplier for a point, 1.0 when no active
// zone contains it.
func (s *ZoneSet) SurgeAt(p models.Location) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	surge := 1.0
	for _, z := range s.zones {
		if !z.Active || z.Multiplier <= surge {
			continue
		}
		if z.contains(p) {
			surge = z.Multiplier
		}
	}
	return surge
}
