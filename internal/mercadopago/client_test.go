package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCreatePreference_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/checkout/preferences" {
			t.Fatalf("path = %s, want /checkout/preferences", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("authorization = %q, want Bearer token", got)
		}
		if got := r.Header.Get(HeaderIdempotencyKey); got != "purchase-1" {
			t.Fatalf("idempotency key = %q, want purchase-1", got)
		}

		var raw map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(raw["external_reference"]) != `"purchase-1"` {
			t.Fatalf("external_reference = %s", raw["external_reference"])
		}

		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw["items"], &items); err != nil {
			t.Fatalf("decode items: %v", err)
		}
		if len(items) != 1 || string(items[0]["unit_price"]) != "10.5" {
			t.Fatalf("unit_price must be sent as a number, got %+v", items)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Preference{
			ID:               "pref-1",
			InitPoint:        "https://mp.example/init",
			SandboxInitPoint: "https://sandbox.mp.example/init",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pref, err := client.CreatePreference(ctx, PreferenceRequest{
		Items: []PreferenceItem{{
			ID:        "x",
			Title:     "Thing",
			Quantity:  1,
			UnitPrice: json.Number("10.5"),
		}},
		ExternalReference: "purchase-1",
	}, "purchase-1")
	if err != nil {
		t.Fatalf("CreatePreference error: %v", err)
	}
	if pref.ID != "pref-1" || pref.InitPoint != "https://mp.example/init" {
		t.Fatalf("unexpected preference: %+v", pref)
	}
}

func TestCreatePreference_NotFoundIsNotPayment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token")

	_, err := client.CreatePreference(context.Background(), PreferenceRequest{ExternalReference: "purchase-1"}, "purchase-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("preference 404 must not be reported as a missing payment: %v", err)
	}
}

func TestGetPayment_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/123" {
			t.Fatalf("path = %s, want /v1/payments/123", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": 123,
			"status": "approved",
			"transaction_amount": 100.10,
			"currency_id": "ARS",
			"external_reference": "purchase-1",
			"payer": {"email": "payer@example.com"}
		}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, err := client.GetPayment(ctx, "123")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if p.ID.String() != "123" || p.Status != "approved" || p.ExternalReference != "purchase-1" {
		t.Fatalf("unexpected payment: %+v", p)
	}
	if !p.TransactionAmount.Equal(decimal.RequireFromString("100.1")) {
		t.Fatalf("amount = %s, want 100.1", p.TransactionAmount)
	}
	if p.Payer.Email != "payer@example.com" {
		t.Fatalf("payer email = %q", p.Payer.Email)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token")

	_, err := client.GetPayment(context.Background(), "404")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestFindPaymentByReference_NotFoundStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token")

	_, err := client.FindPaymentByReference(context.Background(), "purchase-1")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestGetPayment_RetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id": 1, "status": "pending", "transaction_amount": 1}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token", WithRetryMax(2))

	p, err := client.GetPayment(context.Background(), "1")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if p.Status != "pending" {
		t.Fatalf("status = %q, want pending", p.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestGetPayment_GivesUpAfterRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token", WithRetryMax(1))

	if _, err := client.GetPayment(context.Background(), "1"); err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
}

func TestGetPayment_ContextDeadline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token", WithRetryMax(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := client.GetPayment(ctx, "1"); err == nil {
		t.Fatalf("expected deadline error")
	}
}

func TestFindPaymentByReference(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/search" {
			t.Fatalf("path = %s, want /v1/payments/search", r.URL.Path)
		}
		ref := r.URL.Query().Get("external_reference")
		if ref == "missing" {
			_, _ = w.Write([]byte(`{"results": []}`))
			return
		}
		_, _ = w.Write([]byte(`{"results": [{"id": 9, "status": "rejected", "transaction_amount": 5, "external_reference": "` + ref + `"}]}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token")

	p, err := client.FindPaymentByReference(context.Background(), "purchase-9")
	if err != nil {
		t.Fatalf("FindPaymentByReference error: %v", err)
	}
	if p.ExternalReference != "purchase-9" || p.Status != "rejected" {
		t.Fatalf("unexpected payment: %+v", p)
	}

	_, err = client.FindPaymentByReference(context.Background(), "missing")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestClientNotConfigured(t *testing.T) {
	var c *Client
	if _, err := c.GetPayment(context.Background(), "1"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
