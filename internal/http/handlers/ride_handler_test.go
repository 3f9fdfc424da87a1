// README: API tests through the real router: roles, ride lifecycle, location and tariff administration.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	httpapi "ridecore/internal/http"
	"ridecore/internal/clock"
	"ridecore/internal/infra"
	"ridecore/internal/maps"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/location"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

// stubTokenVerifier accepts tokens of the form "<uid>:<role>".
type stubTokenVerifier struct{}

func (stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	uid, role, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, errors.New("bad token")
	}
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &infra.FirebaseToken{UID: uid, Claims: claims}, nil
}

type stubPricer struct{}

func (stubPricer) Quote(_ context.Context, req pricing.QuoteRequest) (pricing.Quote, error) {
	if req.City != "Taipei" {
		return pricing.Quote{}, pricing.ErrCityNotSupported
	}
	return pricing.Quote{
		City:       req.City,
		CarClass:   "standard",
		Price:      types.FromMajor(115, "TWD"),
		ServiceFee: types.FromMajor(11.5, "TWD"),
		Adjustment: pricing.AdjustNone,
	}, nil
}

type stubRoutes struct{}

func (stubRoutes) Resolve(_ context.Context, o, d types.Point) (maps.Route, error) {
	if o.Lat < 0 {
		return maps.Route{}, maps.ErrNoCity
	}
	if d.Lat == 0 && d.Lng == 0 {
		return maps.Route{}, maps.ErrNoRoute
	}
	return maps.Route{DistanceKm: 10, DurationMin: 5, City: "Taipei"}, nil
}

type directory struct {
	*driver.MemoryApprovals
}

func (directory) Headroom(context.Context, types.ID) (types.Money, error) {
	return types.FromMajor(500, "TWD"), nil
}

func (directory) Profile(_ context.Context, id types.ID) (*driver.Profile, error) {
	return &driver.Profile{ID: id, Name: "Driver " + string(id), PlateNumber: "ABC-1234"}, nil
}

type recordingDecliner struct {
	mu       sync.Mutex
	declined []string
}

func (d *recordingDecliner) Decline(_ context.Context, rideID int64, driverID types.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.declined = append(d.declined, fmt.Sprintf("%d:%s", rideID, driverID))
	return nil
}

type fakeTariffs struct {
	tariff    *pricing.Tariff
	lastAudit pricing.Audit
}

func (f *fakeTariffs) Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error) {
	return stubPricer{}.Quote(ctx, req)
}

func (f *fakeTariffs) Tariff(_ context.Context, city, class string) (*pricing.Tariff, error) {
	if f.tariff == nil || city != f.tariff.City || class != f.tariff.CarClass {
		return nil, pricing.ErrTariffNotFound
	}
	return f.tariff, nil
}

func (f *fakeTariffs) CreateTariff(_ context.Context, cmd pricing.CreateTariffCommand) (*pricing.Tariff, error) {
	t := cmd.Tariff.Clone()
	f.tariff, f.lastAudit = t, cmd.Audit
	return t, nil
}

func (f *fakeTariffs) UpdateBaseFare(ctx context.Context, cmd pricing.UpdateBaseFareCommand) (*pricing.Tariff, error) {
	t, err := f.Tariff(ctx, cmd.City, cmd.CarClass)
	if err != nil {
		return nil, err
	}
	t.BaseFare, f.lastAudit = cmd.BaseFare, cmd.Audit
	return t, nil
}

func (f *fakeTariffs) SetHourlyAdjustment(_ context.Context, cmd pricing.SetHourlyCommand) (*pricing.Tariff, error) {
	if err := cmd.Hour.Validate(); err != nil {
		return nil, err
	}
	return f.tariff, nil
}

func (f *fakeTariffs) SetMonthlyAdjustment(context.Context, pricing.SetMonthlyCommand) (*pricing.Tariff, error) {
	return f.tariff, nil
}

func (f *fakeTariffs) AddHoliday(context.Context, pricing.HolidayCommand) (*pricing.Tariff, error) {
	return f.tariff, nil
}

func (f *fakeTariffs) UpdateHoliday(context.Context, pricing.HolidayCommand) (*pricing.Tariff, error) {
	return nil, pricing.ErrHolidayNotFound
}

func (f *fakeTariffs) DeleteHoliday(context.Context, pricing.DeleteHolidayCommand) (*pricing.Tariff, error) {
	return f.tariff, nil
}

func (f *fakeTariffs) History(context.Context, string, string, int) ([]pricing.HistoryEntry, error) {
	return []pricing.HistoryEntry{{Action: pricing.ActionBaseFare, Actor: "admin1"}}, nil
}

type api struct {
	router    *gin.Engine
	approvals *driver.MemoryApprovals
	decliner  *recordingDecliner
	tariffs   *fakeTariffs
	index     *location.MemoryIndex
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := &api{
		approvals: driver.NewMemoryApprovals("d1"),
		decliner:  &recordingDecliner{},
		tariffs:   &fakeTariffs{},
		index:     location.NewMemoryIndex(),
	}
	dir := directory{a.approvals}
	rides := ride.NewService(ride.Deps{
		Store:   ride.NewMemoryStore(),
		Tx:      &infra.LocalTx{},
		Pricing: stubPricer{},
		Geo:     stubRoutes{},
		Drivers: dir,
		Clock:   clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
	})
	a.router = httpapi.NewRouter(httpapi.ServerDeps{
		Rides:     rides,
		Decliner:  a.decliner,
		Locations: location.NewService(a.index, a.approvals),
		Pricing:   a.tariffs,
		Routes:    stubRoutes{},
		Profiles:  dir,
		Verifier:  stubTokenVerifier{},
		Registry:  prometheus.NewRegistry(),

		AllowedOrigins: []string{"https://app.example.com"},
	})
	return a
}

func (a *api) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

var trip = map[string]any{
	"origin":       map[string]float64{"lat": 25.0330, "lng": 121.5654},
	"destination":  map[string]float64{"lat": 25.0478, "lng": 121.5170},
	"payment_type": "cash",
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestRideFlow(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/api/rides", "p1:", trip)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created ride.Ride
	decode(t, w, &created)
	if created.Status != ride.StatusPending || created.Price == nil || created.Price.Amount != 11500 {
		t.Fatalf("unexpected ride: %+v", created)
	}
	base := fmt.Sprintf("/api/rides/%d", created.ID)

	if w := a.do(http.MethodPost, "/api/rides", "p1:", trip); w.Code != http.StatusConflict {
		t.Errorf("second active ride: expected 409, got %d", w.Code)
	}
	if w := a.do(http.MethodPost, base+"/accept", "p1:", nil); w.Code != http.StatusForbidden {
		t.Errorf("passenger accepting: expected 403, got %d", w.Code)
	}
	if w := a.do(http.MethodPost, base+"/accept", "d2:driver", nil); w.Code != http.StatusForbidden {
		t.Errorf("unapproved driver accepting: expected 403, got %d", w.Code)
	}
	for _, step := range []string{"accept", "arrive", "start", "complete"} {
		if w := a.do(http.MethodPost, base+"/"+step, "d1:driver", nil); w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step, w.Code, w.Body.String())
		}
	}
	if w := a.do(http.MethodPost, base+"/cancel", "p1:", nil); w.Code != http.StatusConflict {
		t.Errorf("cancel completed ride: expected 409, got %d", w.Code)
	}

	w = a.do(http.MethodGet, base, "p1:", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	var detail struct {
		Status ride.Status     `json:"status"`
		Driver *driver.Profile `json:"driver"`
	}
	decode(t, w, &detail)
	if detail.Status != ride.StatusCompleted || detail.Driver == nil || detail.Driver.PlateNumber != "ABC-1234" {
		t.Fatalf("detail = %+v", detail)
	}

	if w := a.do(http.MethodGet, base, "stranger:", nil); w.Code != http.StatusNotFound {
		t.Errorf("stranger: expected 404, got %d", w.Code)
	}
	if w := a.do(http.MethodGet, base, "ops:admin", nil); w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}

	w = a.do(http.MethodGet, base+"/events", "d1:driver", nil)
	var evs struct {
		Events []ride.Event `json:"events"`
	}
	decode(t, w, &evs)
	if len(evs.Events) != 5 || evs.Events[4].ToStatus != ride.StatusCompleted {
		t.Fatalf("events = %+v", evs.Events)
	}
}

func TestCancelAfterAccept(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodPost, "/api/rides", "p1:", trip)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created ride.Ride
	decode(t, w, &created)
	base := fmt.Sprintf("/api/rides/%d", created.ID)

	if w := a.do(http.MethodPost, base+"/accept", "d1:driver", nil); w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	w = a.do(http.MethodPost, base+"/cancel", "p1:", map[string]string{"expected_status": "pending"})
	if w.Code != http.StatusConflict {
		t.Fatalf("stale cancel: expected 409, got %d %s", w.Code, w.Body.String())
	}
	w = a.do(http.MethodGet, base, "p1:", nil)
	var still ride.Ride
	decode(t, w, &still)
	if still.Status != ride.StatusDriverAssigned {
		t.Fatalf("status after refused cancel = %s", still.Status)
	}

	w = a.do(http.MethodPost, base+"/cancel", "p1:", map[string]string{"expected_status": "driver_assigned"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel assigned ride: %d %s", w.Code, w.Body.String())
	}
	var cancelled ride.Ride
	decode(t, w, &cancelled)
	if cancelled.Status != ride.StatusCancelled || cancelled.DriverID != nil {
		t.Fatalf("cancelled ride = %+v", cancelled)
	}
}

func TestRideErrors(t *testing.T) {
	a := newAPI(t)
	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodPost, "/api/rides", "", trip, http.StatusUnauthorized},
		{"bad id", http.MethodGet, "/api/rides/abc", "p1:", nil, http.StatusBadRequest},
		{"missing origin", http.MethodPost, "/api/rides", "p1:", map[string]any{"payment_type": "cash"}, http.StatusBadRequest},
		{"bad payment type", http.MethodPost, "/api/rides", "p1:", map[string]any{
			"origin": trip["origin"], "destination": trip["destination"], "payment_type": "barter",
		}, http.StatusBadRequest},
		{"unsupported city", http.MethodPost, "/api/rides", "p2:", map[string]any{
			"origin": map[string]float64{"lat": -33.9, "lng": 18.4}, "destination": trip["destination"], "payment_type": "cash",
		}, http.StatusUnprocessableEntity},
		{"no route", http.MethodPost, "/api/rides", "p3:", map[string]any{
			"origin": trip["origin"], "destination": map[string]float64{"lat": 0, "lng": 0}, "payment_type": "cash",
		}, http.StatusBadRequest},
		{"unknown ride", http.MethodPost, "/api/rides/999/accept", "d1:driver", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := a.do(tt.method, tt.path, tt.token, tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestDecline(t *testing.T) {
	a := newAPI(t)
	if w := a.do(http.MethodPost, "/api/rides/7/decline", "d1:driver", nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(a.decliner.declined) != 1 || a.decliner.declined[0] != "7:d1" {
		t.Fatalf("declined = %v", a.decliner.declined)
	}
}

func TestDriverLine(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	at := map[string]any{"state": "online", "lat": 25.03, "lng": 121.56}

	if w := a.do(http.MethodPut, "/api/drivers/me/line", "d2:driver", at); w.Code != http.StatusForbidden {
		t.Errorf("unapproved: expected 403, got %d", w.Code)
	}
	if w := a.do(http.MethodPut, "/api/drivers/me/line", "d1:driver", at); w.Code != http.StatusOK {
		t.Fatalf("online: %d %s", w.Code, w.Body.String())
	}
	if pool, _, ok, _ := a.index.Locate(ctx, "d1"); !ok || pool != location.PoolOnline {
		t.Fatalf("not online: %v %v", pool, ok)
	}
	if w := a.do(http.MethodPut, "/api/drivers/me/location", "d1:driver", map[string]float64{"lat": 25.04, "lng": 121.57}); w.Code != http.StatusNoContent {
		t.Fatalf("ping: %d", w.Code)
	}
	if w := a.do(http.MethodPut, "/api/drivers/me/line", "d1:driver", map[string]any{"state": "offline"}); w.Code != http.StatusOK {
		t.Fatalf("offline: %d", w.Code)
	}
	if _, _, ok, _ := a.index.Locate(ctx, "d1"); ok {
		t.Fatal("still indexed after going offline")
	}
	if w := a.do(http.MethodPut, "/api/drivers/me/line", "d1:driver", map[string]any{"state": "asleep"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad state: expected 400, got %d", w.Code)
	}
}

func TestQuote(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodPost, "/api/quotes", "p1:", trip)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", w.Code, w.Body.String())
	}
	var q struct {
		City  string      `json:"city"`
		Price types.Money `json:"price"`
	}
	decode(t, w, &q)
	if q.City != "Taipei" || q.Price.Amount != 11500 {
		t.Fatalf("quote = %+v", q)
	}

	far := map[string]any{"origin": map[string]float64{"lat": -33.9, "lng": 18.4}, "destination": trip["destination"]}
	if w := a.do(http.MethodPost, "/api/quotes", "p1:", far); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unsupported city: expected 422, got %d", w.Code)
	}
}

func TestTariffAdmin(t *testing.T) {
	a := newAPI(t)
	tariff := map[string]any{
		"city": "Taipei", "car_class": "standard", "currency": "TWD",
		"base_fare": 5, "cost_per_km": 10, "cost_per_minute": 2,
		"hourly": map[string]float64{"8": 20}, "reason": "launch",
	}
	if w := a.do(http.MethodPost, "/api/admin/tariffs", "d1:driver", tariff); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", w.Code)
	}
	if w := a.do(http.MethodPost, "/api/admin/tariffs", "ops:admin", tariff); w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if a.tariffs.tariff.Hourly[8] != 20 || a.tariffs.lastAudit.Actor != "ops" || a.tariffs.lastAudit.Reason != "launch" {
		t.Fatalf("tariff = %+v audit = %+v", a.tariffs.tariff, a.tariffs.lastAudit)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"base fare", http.MethodPut, "/api/admin/tariffs/Taipei/standard/base", map[string]any{"base_fare": 8}, http.StatusOK},
		{"base fare missing", http.MethodPut, "/api/admin/tariffs/Taipei/standard/base", map[string]any{}, http.StatusBadRequest},
		{"base fare unknown pair", http.MethodPut, "/api/admin/tariffs/Tainan/standard/base", map[string]any{"base_fare": 8}, http.StatusNotFound},
		{"hour out of range", http.MethodPut, "/api/admin/tariffs/Taipei/standard/hourly/24", map[string]any{"percent": 5}, http.StatusBadRequest},
		{"hour not a number", http.MethodPut, "/api/admin/tariffs/Taipei/standard/hourly/x", map[string]any{"percent": 5}, http.StatusBadRequest},
		{"month", http.MethodPut, "/api/admin/tariffs/Taipei/standard/monthly/2", map[string]any{"percent": -10}, http.StatusOK},
		{"holiday add", http.MethodPost, "/api/admin/tariffs/Taipei/standard/holidays", map[string]any{"month": 1, "day": 1, "percent": 30}, http.StatusCreated},
		{"holiday missing", http.MethodPut, "/api/admin/tariffs/Taipei/standard/holidays/2/2", map[string]any{"percent": 30}, http.StatusNotFound},
		{"holiday delete", http.MethodDelete, "/api/admin/tariffs/Taipei/standard/holidays/1/1", nil, http.StatusOK},
		{"history", http.MethodGet, "/api/admin/tariffs/Taipei/standard/history?limit=5", nil, http.StatusOK},
		{"get", http.MethodGet, "/api/admin/tariffs/Taipei/standard", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := a.do(tt.method, tt.path, "ops:admin", tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
	if a.tariffs.tariff.BaseFare != 8 {
		t.Errorf("base fare = %v", a.tariffs.tariff.BaseFare)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t)
	if w := a.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	a.do(http.MethodGet, "/health", "", nil)
	w := a.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newAPI(t)
	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/rides", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		return w
	}

	w := preflight("https://app.example.com")
	if w.Code != http.StatusNoContent {
		t.Fatalf("allowed origin: expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin header = %q", got)
	}
	if w := preflight("https://evil.example.com"); w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: expected 403, got %d", w.Code)
	}
}
