// README: Boundary validation for tariffs and adjustment tables.
package pricing

import (
	"math"
	"time"
)

const (
	minPercent = -100
	maxPercent = 1000
)

func validatePercent(field string, p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= minPercent || p > maxPercent {
		return &ValidationError{Field: field, Reason: "percent must be in (-100, 1000]"}
	}
	return nil
}

func validateMoney(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return &ValidationError{Field: field, Reason: "must be a non-negative number"}
	}
	return nil
}

func (h Hour) Validate() error {
	if h < 0 || h > 23 {
		return &ValidationError{Field: "hour", Reason: "must be between 0 and 23"}
	}
	return nil
}

func validateMonth(m time.Month) error {
	if m < time.January || m > time.December {
		return &ValidationError{Field: "month", Reason: "must be between 1 and 12"}
	}
	return nil
}

// Validate checks that the holiday names a real calendar date. February 29
// is accepted.
func (h Holiday) Validate() error {
	if err := validateMonth(h.Month); err != nil {
		return err
	}
	// 2024 is a leap year, so every real month/day survives the round trip.
	d := time.Date(2024, h.Month, h.Day, 0, 0, 0, 0, time.UTC)
	if h.Day < 1 || d.Month() != h.Month || d.Day() != h.Day {
		return &ValidationError{Field: "day", Reason: "not a calendar date"}
	}
	return validatePercent("holiday.percent", h.Percent)
}

func (a HourlyAdjustments) Validate() error {
	for h, p := range a {
		if err := h.Validate(); err != nil {
			return err
		}
		if err := validatePercent("hourly.percent", p); err != nil {
			return err
		}
	}
	return nil
}

func (a MonthlyAdjustments) Validate() error {
	for m, p := range a {
		if err := validateMonth(m); err != nil {
			return err
		}
		if err := validatePercent("monthly.percent", p); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tariff) Validate() error {
	if t.City == "" {
		return &ValidationError{Field: "city", Reason: "required"}
	}
	if t.CarClass == "" {
		return &ValidationError{Field: "car_class", Reason: "required"}
	}
	if t.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "required"}
	}
	for field, v := range map[string]float64{
		"base_fare":       t.BaseFare,
		"cost_per_km":     t.CostPerKm,
		"cost_per_minute": t.CostPerMinute,
	} {
		if err := validateMoney(field, v); err != nil {
			return err
		}
	}
	if err := validateMoney("service_fee_percent", t.ServiceFeePercent); err != nil {
		return err
	}
	if t.ServiceFeePercent > 100 {
		return &ValidationError{Field: "service_fee_percent", Reason: "must not exceed 100"}
	}
	if err := t.Hourly.Validate(); err != nil {
		return err
	}
	if err := t.Monthly.Validate(); err != nil {
		return err
	}
	seen := make(map[[2]int]bool, len(t.Holidays))
	for _, h := range t.Holidays {
		if err := h.Validate(); err != nil {
			return err
		}
		k := [2]int{int(h.Month), h.Day}
		if seen[k] {
			return &ValidationError{Field: "holidays", Reason: "duplicate date"}
		}
		seen[k] = true
	}
	return nil
}
