// README: Reverse geocoding against the Google Maps API with coordinate fallback.
package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"dispatch/internal/types"
)

// ErrGeocodeUnavailable is returned when no address could be resolved.
// Callers treat it as non-fatal and fall back to raw coordinates.
var ErrGeocodeUnavailable = errors.New("geocode unavailable")

// Geocoder resolves a coordinate to a human-readable address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

// GeocodeService handles interactions with the Google Geocoding API.
type GeocodeService struct {
	client *maps.Client
}

// NewGeocodeService creates a new GeocodeService with the given API key.
func NewGeocodeService(apiKey string) (*GeocodeService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GeocodeService{client: client}, nil
}

func (s *GeocodeService) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeocodeUnavailable, err)
	}
	if len(results) == 0 {
		return "", ErrGeocodeUnavailable
	}
	return results[0].FormattedAddress, nil
}

// AddressOrCoords resolves an address and falls back to "lat,lng" on failure.
func AddressOrCoords(ctx context.Context, g Geocoder, p types.Point) string {
	if g != nil {
		if addr, err := g.ReverseGeocode(ctx, p); err == nil {
			return addr
		}
	}
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}
