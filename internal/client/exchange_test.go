package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/signature"
)

const (
	testKey    = "test-key"
	testSecret = "test-secret"
)

func newTestClient(t *testing.T, baseURL string) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, APIKey: testKey, APISecret: testSecret}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c, &sleeps
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{BaseURL: "https://api.example.com", APISecret: "s"}, nil, nil); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := New(Config{BaseURL: "https://api.example.com", APIKey: "k"}, nil, nil); err == nil {
		t.Fatalf("expected error without api secret")
	}
	if _, err := New(Config{BaseURL: "not a url", APIKey: "k", APISecret: "s"}, nil, nil); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(apiKeyHeader) != testKey {
			t.Errorf("missing api key header")
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Write([]byte(`{"orderId":12345,"status":"NEW","executedQty":"0"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          "buy",
		Type:          "LIMIT_MAKER",
		Quantity:      0.00001,
		Price:         65000.5,
		ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !resp.OK() || resp.Attempts != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	idx := strings.LastIndex(body, "&signature=")
	if idx < 0 {
		t.Fatalf("signature must be the last parameter: %s", body)
	}
	canonical, sig := body[:idx], body[idx+len("&signature="):]
	want := "symbol=BTCUSDT&side=BUY&type=LIMIT_MAKER&quantity=0.00001&price=65000.5&newClientOrderId=cid-1&newOrderRespType=FULL&timestamp=1700000000000&recvWindow=5000"
	if canonical != want {
		t.Fatalf("canonical query mismatch:\n got %s\nwant %s", canonical, want)
	}
	if !signature.NewSigner(testSecret).Verify(canonical, sig) {
		t.Fatalf("signature does not verify")
	}
}

func TestTransientStatusRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":-1001,"msg":"busy"}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL)
	resp, err := c.Account(context.Background())
	if err != nil {
		t.Fatalf("transient status must surface as a failure, not an error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if resp.OK() || resp.Failure.Status != http.StatusServiceUnavailable || !resp.Failure.Transient {
		t.Fatalf("unexpected failure: %+v", resp.Failure)
	}
	if resp.Failure.Code != -1001 || resp.Failure.Message != "busy" {
		t.Fatalf("expected parsed exchange error, got %+v", resp.Failure)
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != 400*time.Millisecond || (*sleeps)[1] != 800*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", *sleeps)
	}
	if !commonerrors.Is(resp.Err(), commonerrors.CodeProviderUnavailable) {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", resp.Err())
	}
}

func TestRejectedStatusIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Order would immediately match and take."}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL)
	resp, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT_MAKER", Quantity: 1, Price: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("no backoff expected, got %v", *sleeps)
	}
	if resp.Failure == nil || resp.Failure.Transient || resp.Failure.Code != -2010 {
		t.Fatalf("unexpected failure: %+v", resp.Failure)
	}
	if !commonerrors.Is(resp.Err(), commonerrors.CodeProviderRejected) {
		t.Fatalf("expected PROVIDER_REJECTED, got %v", resp.Err())
	}
}

func TestRecoversAfterTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.OpenOrders(context.Background(), "BTCUSDT")
	if err != nil || !resp.OK() {
		t.Fatalf("expected success on second attempt: %v %+v", err, resp)
	}
	if resp.Attempts != 2 || string(resp.Payload) != "[]" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestLargeSuccessBodyIsReadInFull(t *testing.T) {
	order := `{"symbol":"BTCUSDT","orderId":123456789,"clientOrderId":"maker-0000000000000000","price":"100.00000000","origQty":"1.00000000","status":"NEW","type":"LIMIT_MAKER","side":"BUY"}`
	items := make([]string, 400)
	for i := range items {
		items[i] = order
	}
	body := "[" + strings.Join(items, ",") + "]"
	if len(body) <= maxErrorBodyBytes {
		t.Fatalf("fixture must exceed the error body cap, got %d bytes", len(body))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.OpenOrders(context.Background(), "BTCUSDT")
	if err != nil || !resp.OK() {
		t.Fatalf("OpenOrders: %v %+v", err, resp)
	}
	var orders []json.RawMessage
	if err := json.Unmarshal(resp.Payload, &orders); err != nil || len(orders) != 400 {
		t.Fatalf("expected 400 open orders, got %d (%v)", len(orders), err)
	}
}

func TestMalformedSuccessBodyIsAnError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`[{"orderId":1,`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.OpenOrders(context.Background(), "BTCUSDT")
	if !errors.Is(err, ErrMalformedResponse) || resp != nil {
		t.Fatalf("expected ErrMalformedResponse, got %v %+v", err, resp)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("malformed success must not be retried, calls=%d", calls)
	}
}

func TestNetworkErrorReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	c, sleeps := newTestClient(t, baseURL)
	resp, err := c.Account(context.Background())
	if err == nil || resp != nil {
		t.Fatalf("expected network error, got %+v", resp)
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != 300*time.Millisecond || (*sleeps)[1] != 600*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", *sleeps)
	}
}

func TestValidationSkipsNetwork(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 1})
	if !commonerrors.Is(err, commonerrors.CodeInvalidPrice) {
		t.Fatalf("expected INVALID_PRICE, got %v", err)
	}
	_, err = c.CancelOrder(context.Background(), "BTCUSDT", "", "")
	if !commonerrors.Is(err, commonerrors.CodeInvalidParam) {
		t.Fatalf("expected INVALID_PARAM, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("validation failures must not hit the network, got %d calls", got)
	}
}

func TestCancelOrderUsesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("origClientOrderId") != "cid-9" || q.Get("signature") == "" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"status":"CANCELED"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.CancelOrder(context.Background(), "BTCUSDT", "", "cid-9")
	if err != nil || !resp.OK() {
		t.Fatalf("CancelOrder: %v %+v", err, resp)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	c.sleep = sleepCtx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Account(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestFormatNumber(t *testing.T) {
	cases := map[float64]string{
		0.00000001: "0.00000001",
		65000.5:    "65000.5",
		1e21:       "1000000000000000000000",
	}
	for in, want := range cases {
		if got := FormatNumber(in); got != want {
			t.Fatalf("FormatNumber(%v) = %s, want %s", in, got, want)
		}
	}
}
