// README: Quote endpoint and tariff administration handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/maps"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

type PricingService interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
	Tariff(ctx context.Context, city, carClass string) (*pricing.Tariff, error)
	CreateTariff(ctx context.Context, cmd pricing.CreateTariffCommand) (*pricing.Tariff, error)
	UpdateBaseFare(ctx context.Context, cmd pricing.UpdateBaseFareCommand) (*pricing.Tariff, error)
	SetHourlyAdjustment(ctx context.Context, cmd pricing.SetHourlyCommand) (*pricing.Tariff, error)
	SetMonthlyAdjustment(ctx context.Context, cmd pricing.SetMonthlyCommand) (*pricing.Tariff, error)
	AddHoliday(ctx context.Context, cmd pricing.HolidayCommand) (*pricing.Tariff, error)
	UpdateHoliday(ctx context.Context, cmd pricing.HolidayCommand) (*pricing.Tariff, error)
	DeleteHoliday(ctx context.Context, cmd pricing.DeleteHolidayCommand) (*pricing.Tariff, error)
	History(ctx context.Context, city, carClass string, limit int) ([]pricing.HistoryEntry, error)
}

type RouteResolver interface {
	Resolve(ctx context.Context, origin, destination types.Point) (maps.Route, error)
}

type PricingHandler struct {
	pricing PricingService
	routes  RouteResolver
}

func NewPricingHandler(svc PricingService, routes RouteResolver) *PricingHandler {
	return &PricingHandler{pricing: svc, routes: routes}
}

type quoteReq struct {
	Origin      point  `json:"origin"`
	Destination point  `json:"destination"`
	CarClass    string `json:"car_class"`
}

type quoteResp struct {
	City              string      `json:"city"`
	CarClass          string      `json:"car_class"`
	DistanceKm        float64     `json:"distance_km"`
	DurationMin       float64     `json:"duration_min"`
	Price             types.Money `json:"price"`
	ServiceFee        types.Money `json:"service_fee"`
	Adjustment        string      `json:"adjustment"`
	AdjustmentPercent float64     `json:"adjustment_percent"`
}

func (h *PricingHandler) Quote(c *gin.Context) {
	var req quoteReq
	if !bind(c, &req) {
		return
	}
	origin, ok1 := req.Origin.toPoint()
	dest, ok2 := req.Destination.toPoint()
	if !ok1 || !ok2 || !origin.Valid() || !dest.Valid() {
		writeError(c, http.StatusBadRequest, "valid origin and destination are required")
		return
	}
	ctx := c.Request.Context()
	route, err := h.routes.Resolve(ctx, origin, dest)
	switch {
	case errors.Is(err, maps.ErrNoCity):
		writeError(c, http.StatusUnprocessableEntity, pricing.ErrCityNotSupported.Error())
		return
	case errors.Is(err, maps.ErrNoRoute):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		internalError(c, err)
		return
	}
	q, err := h.pricing.Quote(ctx, pricing.QuoteRequest{
		City:        route.City,
		CarClass:    req.CarClass,
		DistanceKm:  route.DistanceKm,
		DurationMin: route.DurationMin,
	})
	if err != nil {
		if errors.Is(err, pricing.ErrCityNotSupported) || errors.Is(err, pricing.ErrTariffNotFound) {
			writeError(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writePricingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, quoteResp{
		City:              q.City,
		CarClass:          q.CarClass,
		DistanceKm:        route.DistanceKm,
		DurationMin:       route.DurationMin,
		Price:             q.Price,
		ServiceFee:        q.ServiceFee,
		Adjustment:        string(q.Adjustment),
		AdjustmentPercent: q.AdjustmentPercent,
	})
}

type tariffReq struct {
	pricing.Tariff
	Reason string `json:"reason"`
}

type amountReq struct {
	BaseFare *float64 `json:"base_fare"`
	Percent  *float64 `json:"percent"`
	Reason   string   `json:"reason"`
}

type holidayReq struct {
	Month   int      `json:"month"`
	Day     int      `json:"day"`
	Percent *float64 `json:"percent"`
	Reason  string   `json:"reason"`
}

func (h *PricingHandler) audit(c *gin.Context, reason string) pricing.Audit {
	return pricing.Audit{Actor: middleware.CallerUID(c), Reason: reason}
}

func (h *PricingHandler) Get(c *gin.Context) {
	t, err := h.pricing.Tariff(c.Request.Context(), c.Param("city"), c.Param("class"))
	if err != nil {
		writePricingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *PricingHandler) Create(c *gin.Context) {
	var req tariffReq
	if !bind(c, &req) {
		return
	}
	t, err := h.pricing.CreateTariff(c.Request.Context(), pricing.CreateTariffCommand{
		Tariff: req.Tariff,
		Audit:  h.audit(c, req.Reason),
	})
	if err != nil {
		writePricingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, t)
}

func (h *PricingHandler) UpdateBaseFare(c *gin.Context) {
	var req amountReq
	if !bind(c, &req) {
		return
	}
	if req.BaseFare == nil {
		writeError(c, http.StatusBadRequest, "base_fare is required")
		return
	}
	h.respond(c)(h.pricing.UpdateBaseFare(c.Request.Context(), pricing.UpdateBaseFareCommand{
		City:     c.Param("city"),
		CarClass: c.Param("class"),
		BaseFare: *req.BaseFare,
		Audit:    h.audit(c, req.Reason),
	}))
}

func (h *PricingHandler) SetHourly(c *gin.Context) {
	hour, ok := intParam(c, "hour")
	if !ok {
		return
	}
	var req amountReq
	if !bind(c, &req) || !requirePercent(c, req.Percent) {
		return
	}
	h.respond(c)(h.pricing.SetHourlyAdjustment(c.Request.Context(), pricing.SetHourlyCommand{
		City:     c.Param("city"),
		CarClass: c.Param("class"),
		Hour:     pricing.Hour(hour),
		Percent:  *req.Percent,
		Audit:    h.audit(c, req.Reason),
	}))
}

func (h *PricingHandler) SetMonthly(c *gin.Context) {
	month, ok := intParam(c, "month")
	if !ok {
		return
	}
	var req amountReq
	if !bind(c, &req) || !requirePercent(c, req.Percent) {
		return
	}
	h.respond(c)(h.pricing.SetMonthlyAdjustment(c.Request.Context(), pricing.SetMonthlyCommand{
		City:     c.Param("city"),
		CarClass: c.Param("class"),
		Month:    time.Month(month),
		Percent:  *req.Percent,
		Audit:    h.audit(c, req.Reason),
	}))
}

func (h *PricingHandler) AddHoliday(c *gin.Context) {
	var req holidayReq
	if !bind(c, &req) || !requirePercent(c, req.Percent) {
		return
	}
	t, err := h.pricing.AddHoliday(c.Request.Context(), pricing.HolidayCommand{
		City:     c.Param("city"),
		CarClass: c.Param("class"),
		Holiday:  pricing.Holiday{Month: time.Month(req.Month), Day: req.Day, Percent: *req.Percent},
		Audit:    h.audit(c, req.Reason),
	})
	if err != nil {
		writePricingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, t)
}

func (h *PricingHandler) UpdateHoliday(c *gin.Context) {
	month, ok := intParam(c, "month")
	if !ok {
		return
	}
	day, ok := intParam(c, "day")
	if !ok {
		return
	}
	var req holidayReq
	if !bind(c, &req) || !requirePercent(c, req.Percent) {
		return
	}
	h.respond(c)(h.pricing.UpdateHoliday(c.Request.Context(), pricing.HolidayCommand{
		City:     c.Param("city"),
		CarClass: c.Param("class"),
		Holiday:  pricing.Holiday{Month: time.Month(month), Day: day, Percent: *req.Percent},
		Audit:    h.audit(c, req.Reason),
	}))
}

func (h *PricingHandler) DeleteHoliday(c *gin.Context) {
	month, ok := intParam(c, "month")
	if !ok {
		return
	}
	day, ok := intParam(c, "day")
	if !ok {
		return
	}
	h.respond(c)(h.pricing.DeleteHoliday(c.Request.Context(), pricing.DeleteHolidayCommand{
		City:     c.Param("city"),
		CarClass: c.Param("class"),
		Month:    time.Month(month),
		Day:      day,
		Audit:    h.audit(c, c.Query("reason")),
	}))
}

func (h *PricingHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.pricing.History(c.Request.Context(), c.Param("city"), c.Param("class"), limit)
	if err != nil {
		writePricingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"history": entries})
}

func (h *PricingHandler) respond(c *gin.Context) func(*pricing.Tariff, error) {
	return func(t *pricing.Tariff, err error) {
		if err != nil {
			writePricingError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, t)
	}
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func requirePercent(c *gin.Context, p *float64) bool {
	if p == nil {
		writeError(c, http.StatusBadRequest, "percent is required")
		return false
	}
	return true
}
