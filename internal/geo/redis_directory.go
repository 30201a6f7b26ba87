package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fulfillment-dispatch/internal/models"
)

// RedisDirectory implements Directory using Redis GEO commands, with a
// metadata hash per provider for the attributes GEO cannot hold.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(addr, password, key string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, key: key}
}

func (r *RedisDirectory) Upsert(ctx context.Context, p models.ProviderProfile) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Loc.Lng,
		Latitude:  p.Loc.Lat,
		Name:      p.ID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.ID), map[string]interface{}{
		"user_id":   p.UserID,
		"rating":    fmt.Sprintf("%f", p.Rating),
		"available": strconv.FormatBool(p.Available),
		"class":     string(p.Class),
		"capacity":  strconv.Itoa(p.Capacity),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisDirectory) Nearby(ctx context.Context, origin models.Location, radiusKm float64, limit int) ([]models.ProviderProfile, error) {
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ProviderProfile, 0, len(res))
	for _, g := range res {
		p := models.ProviderProfile{ID: g.Name}
		p.Loc.Lat = g.Latitude
		p.Loc.Lng = g.Longitude
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		p.UserID = m["user_id"]
		if v, ok := m["rating"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.Rating = f
			}
		}
		p.Available = m["available"] == "true"
		p.Class = models.CapabilityClass(m["class"])
		if v, ok := m["capacity"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				p.Capacity = n
			}
		}
		if v, ok := m["updated"]; ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				p.Updated = t
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisDirectory) Close() error { return r.client.Close() }

func metaKey(id string) string { return "provider:meta:" + id }
