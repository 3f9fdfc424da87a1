// README: Balance service client: commission deduction at assignment and its compensating refund.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ridecore/internal/infra"
	"ridecore/internal/types"
)

// ErrInsufficientFunds is returned when the balance service refuses a
// deduction with 402.
var ErrInsufficientFunds = errors.New("insufficient driver funds")

type commission struct {
	DriverID types.ID    `json:"driver_id"`
	Amount   types.Money `json:"amount"`
	RideID   int64       `json:"ride_id"`
}

type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, c *http.Client) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), http: c}
}

func (c *Client) DeductCommission(ctx context.Context, driverID types.ID, amount types.Money, rideID int64) error {
	return c.post(ctx, "/commissions", commission{DriverID: driverID, Amount: amount, RideID: rideID})
}

// RefundCommission returns a deduction whose ride assignment did not commit.
func (c *Client) RefundCommission(ctx context.Context, driverID types.ID, amount types.Money, rideID int64) error {
	return c.post(ctx, "/commissions/refund", commission{DriverID: driverID, Amount: amount, RideID: rideID})
}

func (c *Client) post(ctx context.Context, path string, body commission) error {
	err := infra.DoJSON(ctx, c.http, http.MethodPost, c.base+path, body, nil)
	var se *infra.StatusError
	if errors.As(err, &se) && se.Status == http.StatusPaymentRequired {
		return ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("ledger %s: %w", path, err)
	}
	return nil
}
