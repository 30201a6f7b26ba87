package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/fulfillment-dispatch/internal/models"
)

// Directory is the minimal provider-location interface required by the
// matcher and handlers.
type Directory interface {
	Nearby(ctx context.Context, origin models.Location, radiusKm float64, limit int) ([]models.ProviderProfile, error)
	Upsert(ctx context.Context, p models.ProviderProfile) error
}

// Index is an in-memory Directory used for local runs and tests.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.ProviderProfile
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.ProviderProfile)}
}

func (g *Index) Upsert(_ context.Context, p models.ProviderProfile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.providers[p.ID] = p
	return nil
}

// naive scan; in prod use the redis GEO index
func (g *Index) Nearby(_ context.Context, origin models.Location, radiusKm float64, limit int) ([]models.ProviderProfile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.ProviderProfile
		dist float64
	}
	arr := make([]pair, 0, len(g.providers))
	for _, p := range g.providers {
		if !p.Available {
			continue
		}
		dist := HaversineKm(origin.Lat, origin.Lng, p.Loc.Lat, p.Loc.Lng)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.ProviderProfile, 0, len(arr))
	for _, e := range arr {
		out = append(out, e.p)
	}
	return out, nil
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
