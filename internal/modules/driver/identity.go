// README: Identity service client for driver balance headroom and profile.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ridecore/internal/infra"
	"ridecore/internal/types"
)

// IdentityClient talks to the identity service that owns driver accounts.
type IdentityClient struct {
	base string
	http *http.Client
}

func NewIdentityClient(baseURL string, c *http.Client) *IdentityClient {
	return &IdentityClient{base: strings.TrimRight(baseURL, "/"), http: c}
}

func (c *IdentityClient) Balance(ctx context.Context, driverID types.ID) (Balance, error) {
	var out Balance
	if err := c.get(ctx, "/drivers/"+url.PathEscape(string(driverID))+"/balance", &out); err != nil {
		return Balance{}, fmt.Errorf("driver balance: %w", err)
	}
	return out, nil
}

// Headroom is how much commission may still be deducted from the driver.
func (c *IdentityClient) Headroom(ctx context.Context, driverID types.ID) (types.Money, error) {
	b, err := c.Balance(ctx, driverID)
	if err != nil {
		return types.Money{}, err
	}
	return b.CommissionHeadroom, nil
}

func (c *IdentityClient) Profile(ctx context.Context, driverID types.ID) (*Profile, error) {
	var out Profile
	if err := c.get(ctx, "/drivers/"+url.PathEscape(string(driverID)), &out); err != nil {
		return nil, fmt.Errorf("driver profile: %w", err)
	}
	return &out, nil
}

func (c *IdentityClient) get(ctx context.Context, path string, out any) error {
	err := infra.DoJSON(ctx, c.http, http.MethodGet, c.base+path, nil, out)
	var se *infra.StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}
