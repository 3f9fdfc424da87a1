// README: Google Maps geo collaborator: distance, duration, city and place names.
package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"ridecore/internal/types"
)

var (
	ErrNoRoute = errors.New("no route found")
	ErrNoCity  = errors.New("no city for coordinate")
)

// Route is the resolved geometry of a trip.
type Route struct {
	DistanceKm      float64
	DurationMin     float64
	City            string
	OriginName      string
	DestinationName string
}

// api is the subset of *maps.Client the service calls.
type api interface {
	DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error)
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// RouteService resolves distance, duration, city and place names with Google Maps.
type RouteService struct {
	client   api
	language string
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey, language string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, language: language}, nil
}

// Resolve returns the driving route between origin and destination. The
// city is the locality containing the origin.
func (s *RouteService) Resolve(ctx context.Context, origin, destination types.Point) (Route, error) {
	dist, dur, err := s.Estimate(ctx, origin, destination)
	if err != nil {
		return Route{}, err
	}
	city, originName, err := s.lookup(ctx, origin)
	if err != nil {
		return Route{}, err
	}
	if city == "" {
		return Route{}, ErrNoCity
	}
	_, destName, err := s.lookup(ctx, destination)
	if err != nil {
		return Route{}, err
	}
	return Route{
		DistanceKm:      dist,
		DurationMin:     dur,
		City:            city,
		OriginName:      originName,
		DestinationName: destName,
	}, nil
}

// Estimate returns driving distance in km and duration in minutes.
func (s *RouteService) Estimate(ctx context.Context, origin, destination types.Point) (float64, float64, error) {
	resp, err := s.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{origin.String()},
		Destinations: []string{destination.String()},
		Mode:         maps.TravelModeDriving,
		Language:     s.language,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, 0, ErrNoRoute
	}
	el := resp.Rows[0].Elements[0]
	if el == nil || el.Status != "OK" {
		return 0, 0, ErrNoRoute
	}
	return float64(el.Distance.Meters) / 1000, el.Duration.Minutes(), nil
}

// City returns the locality containing p.
func (s *RouteService) City(ctx context.Context, p types.Point) (string, error) {
	city, _, err := s.lookup(ctx, p)
	if err != nil {
		return "", err
	}
	if city == "" {
		return "", ErrNoCity
	}
	return city, nil
}

// PlaceName returns the formatted address nearest to p.
func (s *RouteService) PlaceName(ctx context.Context, p types.Point) (string, error) {
	_, name, err := s.lookup(ctx, p)
	return name, err
}

func (s *RouteService) lookup(ctx context.Context, p types.Point) (city, name string, err error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: s.language,
	})
	if err != nil {
		return "", "", fmt.Errorf("maps api error: %w", err)
	}
	if len(results) == 0 {
		return "", "", nil
	}
	name = results[0].FormattedAddress
	for _, r := range results {
		for _, c := range r.AddressComponents {
			for _, t := range c.Types {
				if t == "locality" {
					return c.LongName, name, nil
				}
			}
		}
	}
	return "", name, nil
}
