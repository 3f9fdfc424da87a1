// README: Fare computation with a single prioritised per-km adjustment.
package pricing

import (
	"time"

	"ridecore/internal/types"
)

// adjustmentAt picks exactly one adjustment for at: a holiday on that date,
// else the hour of day, else the month. A matching holiday wins even at 0%;
// a zero hourly or monthly entry counts as absent.
func (t *Tariff) adjustmentAt(at time.Time) (Adjustment, float64) {
	if i := t.holidayIndex(at.Month(), at.Day()); i >= 0 {
		return AdjustHoliday, t.Holidays[i].Percent
	}
	if p := t.Hourly[Hour(at.Hour())]; p != 0 {
		return AdjustHour, p
	}
	if p := t.Monthly[at.Month()]; p != 0 {
		return AdjustMonth, p
	}
	return AdjustNone, 0
}

// Price computes the fare for a trip requested at at, which must already be
// expressed in the tariff's local time zone.
func (t *Tariff) Price(at time.Time, distanceKm, durationMin float64) Quote {
	kind, pct := t.adjustmentAt(at)
	perKm := t.CostPerKm * (1 + pct/100)
	price := t.BaseFare + perKm*distanceKm + t.CostPerMinute*durationMin
	fee := price * t.ServiceFeePercent / 100
	return Quote{
		TariffID:          t.ID,
		City:              t.City,
		CarClass:          t.CarClass,
		Price:             types.FromMajor(price, t.Currency),
		ServiceFee:        types.FromMajor(fee, t.Currency),
		Adjustment:        kind,
		AdjustmentPercent: pct,
		AdjustedCostPerKm: perKm,
		At:                at,
	}
}
