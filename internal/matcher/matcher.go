package matcher

import (
	"context"
	"sort"

	"github.com/example/fulfillment-dispatch/internal/geo"
	"github.com/example/fulfillment-dispatch/internal/models"
)

// Filters narrows a proximity search beyond radius and availability.
type Filters struct {
	Class       models.CapabilityClass
	MinRating   float64
	MinCapacity int
}

// Service ranks candidate providers for a request origin. It is
// read-only: no side effects, and an empty result is not an error.
type Service struct {
	Directory   geo.Directory
	AvgSpeedKmh float64
	TopN        int
}

// Candidates returns qualifying providers ordered by ascending
// distance, then descending rating, each annotated with an ETA derived
// from the configured average speed.
func (s *Service) Candidates(ctx context.Context, origin models.Location, radiusKm float64, f Filters) ([]models.CandidateOffer, error) {
	limit := s.TopN
	if limit <= 0 {
		limit = 10
	}
	// Over-fetch so post-filtering still fills the top-N.
	cands, err := s.Directory.Nearby(ctx, origin, radiusKm, limit*4)
	if err != nil {
		return nil, err
	}
	out := make([]models.CandidateOffer, 0, len(cands))
	for _, p := range cands {
		if !p.Available {
			continue
		}
		if f.Class != "" && p.Class != f.Class {
			continue
		}
		if f.MinRating > 0 && p.Rating < f.MinRating {
			continue
		}
		if f.MinCapacity > 0 && p.Capacity < f.MinCapacity {
			continue
		}
		dist := geo.HaversineKm(origin.Lat, origin.Lng, p.Loc.Lat, p.Loc.Lng)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.CandidateOffer{
			ProviderID: p.ID,
			DistanceKm: dist,
			ETAMinutes: s.etaMinutes(dist),
			Rating:     p.Rating,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Rating > out[j].Rating
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) etaMinutes(distKm float64) float64 {
	speed := s.AvgSpeedKmh
	if speed <= 0 {
		speed = 30
	}
	return distKm / speed * 60
}
