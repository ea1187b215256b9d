package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/otpgate/otpgate/internal/allocation"
	"github.com/otpgate/otpgate/internal/auth"
	"github.com/otpgate/otpgate/internal/catalog"
	"github.com/otpgate/otpgate/internal/ledger"
	"github.com/otpgate/otpgate/internal/logging"
	"github.com/otpgate/otpgate/internal/vendor"
)

// stubVendor answers the handler API with canned bodies per action.
type stubVendor struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func (s *stubVendor) set(action, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[action] = body
}

func (s *stubVendor) count(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

func (s *stubVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	s.mu.Lock()
	s.calls[action]++
	body := s.bodies[action]
	s.mu.Unlock()
	_, _ = io.WriteString(w, body)
}

type testApp struct {
	app    *fiber.App
	store  ledger.Store
	vendor *stubVendor
}

func newTestApp(t *testing.T, balances map[string]int64) *testApp {
	t.Helper()
	stub := &stubVendor{
		bodies: map[string]string{
			"getNumber": "ACCESS_NUMBER:12345:+639171234567",
			"getStatus": "STATUS_WAIT_CODE",
			"setStatus": "ACCESS_CANCEL",
		},
		calls: map[string]int{},
	}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	client, err := vendor.NewClient(vendor.Config{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	store := ledger.NewMemoryStore()
	for user, amount := range balances {
		ledger.SeedBalance(store, user, amount)
	}
	logger := logging.Discard()
	svc, err := NewService(Deps{
		Ledger:      ledger.New(store),
		Allocations: allocation.NewMemoryRepository(),
		Vendor:      client,
		Catalog:     catalog.Default(),
		Logger:      logger,
	})
	require.NoError(t, err)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	h := NewHandler(svc, auth.Passthrough{}, logger)
	app.Get("/api", h.Dispatch)
	return &testApp{app: app, store: store, vendor: stub}
}

func (ta *testApp) call(t *testing.T, params map[string]string) (int, map[string]any) {
	t.Helper()
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodGet, "/api?"+q.Encode(), nil)
	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthIsIdempotent(t *testing.T) {
	ta := newTestApp(t, nil)
	for i := 0; i < 3; i++ {
		status, body := ta.call(t, map[string]string{"path": "health"})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		require.Equal(t, "OK", body["status"])
		require.Equal(t, "ok", body["store"])
		require.NotEmpty(t, body["timestamp"])
	}
	_, err := ta.store.Get(context.Background(), "u1")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestMissingOwnID(t *testing.T) {
	ta := newTestApp(t, nil)
	for _, path := range []string{"getBalance", "getNumber", "cancelNumber", "nonsense"} {
		status, body := ta.call(t, map[string]string{"path": path})
		require.Equal(t, http.StatusBadRequest, status, path)
		require.Equal(t, false, body["success"])
		require.Equal(t, "USER_ID_REQUIRED", body["error"])
	}
}

func TestInvalidPath(t *testing.T) {
	ta := newTestApp(t, nil)
	status, body := ta.call(t, map[string]string{"path": "buyEverything", "ownid": "u1"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_PATH", body["error"])
	require.Len(t, body["availablePaths"], len(Paths))
}

func TestNewUserBalance(t *testing.T) {
	ta := newTestApp(t, nil)
	status, body := ta.call(t, map[string]string{"path": "getBalance", "ownid": "u1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.EqualValues(t, 0, body["balance"])
	require.EqualValues(t, 0, body["totalSpent"])
	require.EqualValues(t, 0, body["numbersUsed"])
}

func TestCountriesIncludesBalance(t *testing.T) {
	ta := newTestApp(t, map[string]int64{"u1": 75})
	status, body := ta.call(t, map[string]string{"path": "getCountries", "ownid": "u1"})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 75, body["balance"])
	countries, ok := body["countries"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, countries)
}

func TestPurchaseThenCancel(t *testing.T) {
	ta := newTestApp(t, map[string]int64{"u1": 200})

	status, body := ta.call(t, map[string]string{"path": "getNumber", "ownid": "u1", "countryKey": "philippines_51"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.Equal(t, "12345", body["id"])
	require.Equal(t, "+639171234567", body["number"])
	require.EqualValues(t, 52, body["price"])
	require.EqualValues(t, 148, body["newBalance"])

	status, body = ta.call(t, map[string]string{"path": "getActiveNumbers", "ownid": "u1"})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["numbers"], 1)

	status, body = ta.call(t, map[string]string{"path": "getOtp", "ownid": "u1", "id": "12345"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, OTPWaiting, body["status"])
	require.NotContains(t, body, "otp")

	status, body = ta.call(t, map[string]string{"path": "cancelNumber", "ownid": "u1", "id": "12345"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["refunded"])
	require.EqualValues(t, 52, body["refundAmount"])
	require.EqualValues(t, 200, body["newBalance"])

	status, body = ta.call(t, map[string]string{"path": "cancelNumber", "ownid": "u1", "id": "12345"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "NUMBER_NOT_ACTIVE", body["error"])

	status, body = ta.call(t, map[string]string{"path": "getTransactions", "ownid": "u1"})
	require.Equal(t, http.StatusOK, status)
	txs, ok := body["transactions"].([]any)
	require.True(t, ok)
	require.Len(t, txs, 2)
	newest := txs[0].(map[string]any)
	require.Equal(t, ledger.TypeRefund, newest["type"])
	require.EqualValues(t, 148, newest["balanceBefore"])
	require.EqualValues(t, 200, newest["balanceAfter"])
}

func TestInsufficientBalance(t *testing.T) {
	ta := newTestApp(t, map[string]int64{"u1": 10})
	status, body := ta.call(t, map[string]string{"path": "getNumber", "ownid": "u1"})
	require.Equal(t, http.StatusPaymentRequired, status)
	require.Equal(t, false, body["success"])
	require.Equal(t, "INSUFFICIENT_BALANCE", body["error"])
	require.EqualValues(t, 10, body["currentBalance"])
	require.EqualValues(t, 52, body["required"])
	require.Zero(t, ta.vendor.count("getNumber"))

	_, body = ta.call(t, map[string]string{"path": "getBalance", "ownid": "u1"})
	require.EqualValues(t, 10, body["balance"])
}

func TestOTPReceived(t *testing.T) {
	ta := newTestApp(t, map[string]int64{"u1": 200})
	_, body := ta.call(t, map[string]string{"path": "getNumber", "ownid": "u1"})
	require.Equal(t, true, body["success"])

	ta.vendor.set("getStatus", "STATUS_OK:482913")
	status, body := ta.call(t, map[string]string{"path": "getOtp", "ownid": "u1", "id": "12345"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, OTPReceived, body["status"])
	require.Equal(t, "482913", body["otp"])
}

func TestVendorErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		body   string
		status int
		code   string
	}{
		{"NO_NUMBERS", http.StatusServiceUnavailable, "NO_NUMBERS"},
		{"NO_BALANCE", http.StatusServiceUnavailable, "VENDOR_NO_BALANCE"},
		{"BAD_KEY", http.StatusBadGateway, "UPSTREAM_ERROR"},
	}
	for _, tc := range cases {
		ta := newTestApp(t, map[string]int64{"u1": 200})
		ta.vendor.set("getNumber", tc.body)
		status, body := ta.call(t, map[string]string{"path": "getNumber", "ownid": "u1"})
		require.Equal(t, tc.status, status, tc.body)
		require.Equal(t, tc.code, body["error"], tc.body)

		_, body = ta.call(t, map[string]string{"path": "getBalance", "ownid": "u1"})
		require.EqualValues(t, 200, body["balance"], tc.body)
	}
}

func TestUnknownNumberAndCountry(t *testing.T) {
	ta := newTestApp(t, map[string]int64{"u1": 200})

	status, body := ta.call(t, map[string]string{"path": "getOtp", "ownid": "u1", "id": "nope"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", body["error"])

	status, body = ta.call(t, map[string]string{"path": "getOtp", "ownid": "u1"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "ID_REQUIRED", body["error"])

	status, body = ta.call(t, map[string]string{"path": "getNumber", "ownid": "u1", "countryKey": "atlantis_0"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_COUNTRY", body["error"])
}

func TestEmptyListsSerializeAsArrays(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.call(t, map[string]string{"path": "getTransactions", "ownid": "u1"})
	require.Equal(t, []any{}, body["transactions"])

	_, body = ta.call(t, map[string]string{"path": "getActiveNumbers", "ownid": "u1"})
	require.Equal(t, []any{}, body["numbers"])
}

func TestUnauthorizedMapsTo401(t *testing.T) {
	ta := newTestApp(t, nil)
	logger := logging.Discard()
	dir := auth.NewMemoryDirectory()
	svc, err := NewService(Deps{
		Ledger:      ledger.New(ta.store),
		Allocations: allocation.NewMemoryRepository(),
		Vendor:      &fakeVendor{},
		Logger:      logger,
	})
	require.NoError(t, err)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Get("/api", NewHandler(svc, auth.NewLookup(dir), logger).Dispatch)
	ta.app = app

	status, body := ta.call(t, map[string]string{"path": "getBalance", "ownid": "stranger"})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "UNAUTHORIZED", body["error"])
}

func TestBearerToken(t *testing.T) {
	require.Equal(t, "abc", bearerToken("Bearer abc"))
	require.Equal(t, "abc", bearerToken("bearer  abc "))
	require.Empty(t, bearerToken("Basic abc"))
	require.Empty(t, bearerToken(""))
}

func TestSequentialUsersKeepTheirOwnNumbers(t *testing.T) {
	ta := newTestApp(t, map[string]int64{"alice01": 200, "bobby01": 200})

	ta.vendor.set("getNumber", "ACCESS_NUMBER:1001:+639170001001")
	status, _ := ta.call(t, map[string]string{"path": "getNumber", "ownid": "alice01", "countryKey": "philippines_51"})
	require.Equal(t, http.StatusOK, status)

	ta.vendor.set("getNumber", "ACCESS_NUMBER:1002:+639170001002")
	status, _ = ta.call(t, map[string]string{"path": "getNumber", "ownid": "bobby01", "countryKey": "philippines_51"})
	require.Equal(t, http.StatusOK, status)

	for user, id := range map[string]string{"alice01": "1001", "bobby01": "1002"} {
		status, body := ta.call(t, map[string]string{"path": "getActiveNumbers", "ownid": user})
		require.Equal(t, http.StatusOK, status)
		numbers := body["numbers"].([]any)
		require.Len(t, numbers, 1, user)
		n := numbers[0].(map[string]any)
		require.Equal(t, id, n["numberId"])
		require.Equal(t, user, n["userId"])
		require.Equal(t, "philippines_51", n["country"])

		_, body = ta.call(t, map[string]string{"path": "getTransactions", "ownid": user})
		txs := body["transactions"].([]any)
		require.Len(t, txs, 1, user)
		meta := txs[0].(map[string]any)["meta"].(map[string]any)
		require.Equal(t, id, meta["numberId"])
		require.Equal(t, "philippines_51", meta["country"])
	}

	status, body := ta.call(t, map[string]string{"path": "cancelNumber", "ownid": "bobby01", "id": "1001"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", body["error"])

	acct, err := ledger.New(ta.store).GetBalance(context.Background(), "bobby01")
	require.NoError(t, err)
	require.EqualValues(t, 148, acct.Balance)
}

func TestQueryParamIsTrimmedCopy(t *testing.T) {
	app := fiber.New()
	var seen []string
	app.Get("/", func(c *fiber.Ctx) error {
		seen = append(seen, queryParam(c, "ownid"))
		return c.SendStatus(http.StatusNoContent)
	})
	for _, target := range []string{"/?ownid=%20zed42%20", "/?ownid=XXXXXXXXX"} {
		_, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"zed42", "XXXXXXXXX"}, seen)
}
