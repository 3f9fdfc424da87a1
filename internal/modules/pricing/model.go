// README: Tariff rate card per (city, car class), adjustment tables and audit history.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"ridecore/internal/types"
)

var (
	ErrCityNotSupported = errors.New("city not supported")
	ErrTariffNotFound   = errors.New("tariff not found")
	ErrValidation       = errors.New("invalid tariff input")
	ErrHolidayNotFound  = errors.New("holiday not found")
	ErrHolidayExists    = errors.New("holiday already exists")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Hour is an hour of day, 0 through 23.
type Hour int

type HourlyAdjustments map[Hour]float64

type MonthlyAdjustments map[time.Month]float64

// Holiday is a recurring calendar date with its per-km percent adjustment.
type Holiday struct {
	Month   time.Month `json:"month"`
	Day     int        `json:"day"`
	Percent float64    `json:"percent"`
}

type Tariff struct {
	ID                int64              `json:"id"`
	City              string             `json:"city"`
	CarClass          string             `json:"car_class"`
	Currency          string             `json:"currency"`
	BaseFare          float64            `json:"base_fare"`
	CostPerKm         float64            `json:"cost_per_km"`
	CostPerMinute     float64            `json:"cost_per_minute"`
	ServiceFeePercent float64            `json:"service_fee_percent"`
	Hourly            HourlyAdjustments  `json:"hourly"`
	Monthly           MonthlyAdjustments `json:"monthly"`
	Holidays          []Holiday          `json:"holidays"`
	IsActive          bool               `json:"is_active"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Clone returns a deep copy, used for history snapshots and cache values.
func (t *Tariff) Clone() *Tariff {
	c := *t
	c.Hourly = make(HourlyAdjustments, len(t.Hourly))
	for k, v := range t.Hourly {
		c.Hourly[k] = v
	}
	c.Monthly = make(MonthlyAdjustments, len(t.Monthly))
	for k, v := range t.Monthly {
		c.Monthly[k] = v
	}
	c.Holidays = append([]Holiday(nil), t.Holidays...)
	return &c
}

func (t *Tariff) holidayIndex(m time.Month, day int) int {
	for i, h := range t.Holidays {
		if h.Month == m && h.Day == day {
			return i
		}
	}
	return -1
}

// History actions.
const (
	ActionCreate        = "create"
	ActionBaseFare      = "update_base_fare"
	ActionHourly        = "upsert_hourly"
	ActionMonthly       = "upsert_monthly"
	ActionHolidayAdd    = "add_holiday"
	ActionHolidayUpdate = "update_holiday"
	ActionHolidayDelete = "delete_holiday"
)

// HistoryEntry is an immutable audit record of one tariff mutation.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	TariffID  int64     `json:"tariff_id"`
	City      string    `json:"city"`
	CarClass  string    `json:"car_class"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	Old       *Tariff   `json:"old_values"`
	New       *Tariff   `json:"new_values"`
	CreatedAt time.Time `json:"created_at"`
}

type Adjustment string

const (
	AdjustNone    Adjustment = "none"
	AdjustHoliday Adjustment = "holiday"
	AdjustHour    Adjustment = "hour"
	AdjustMonth   Adjustment = "month"
)

type QuoteRequest struct {
	City        string
	CarClass    string
	DistanceKm  float64
	DurationMin float64
}

type Quote struct {
	TariffID          int64
	City              string
	CarClass          string
	Price             types.Money
	ServiceFee        types.Money
	Adjustment        Adjustment
	AdjustmentPercent float64
	AdjustedCostPerKm float64
	At                time.Time
}
