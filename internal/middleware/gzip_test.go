package middleware_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/mpcheckout/internal/handler"
	"github.com/mmeshcher/mpcheckout/internal/model"
	"github.com/mmeshcher/mpcheckout/internal/service"
)

type recordingService struct {
	mu       sync.Mutex
	calls    int
	webhook  []byte
	checkout service.CheckoutRequest
}

func (s *recordingService) CreateCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.checkout = req
	return &service.CheckoutResult{PurchaseID: "p-1", RedirectURL: "https://mp.example/init"}, nil
}

func (s *recordingService) HandleNotification(ctx context.Context, n service.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.webhook = n.Body
	return nil
}

func (s *recordingService) GetStatus(ctx context.Context, id string) (*model.Purchase, error) {
	return nil, service.ErrNotFound
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

const (
	webhookJSON  = `{"type":"payment","action":"payment.updated","data":{"id":"123"}}`
	checkoutJSON = `{"items":[{"id":"sku-1","title":"Book","quantity":1,"unit_price":"10.00"}]}`
)

func TestGzipMiddleware_CheckoutRoutes(t *testing.T) {
	type want struct {
		statusCode      int
		contentEncoding string
		bodyContains    string
	}

	tests := []struct {
		name           string
		path           string
		body           string
		gzipRequest    bool
		acceptEncoding string
		want           want
	}{
		{
			name:           "compressed webhook, compressed ack",
			path:           "/api/webhooks/mercadopago?type=payment&data.id=123",
			body:           webhookJSON,
			gzipRequest:    true,
			acceptEncoding: "gzip",
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				bodyContains:    `"received":true`,
			},
		},
		{
			name:        "compressed webhook, plain ack",
			path:        "/api/webhooks/mercadopago?type=payment&data.id=123",
			body:        webhookJSON,
			gzipRequest: true,
			want: want{
				statusCode:   http.StatusOK,
				bodyContains: `"received":true`,
			},
		},
		{
			name:           "plain webhook, compressed ack",
			path:           "/api/webhooks/mercadopago?type=payment&data.id=123",
			body:           webhookJSON,
			acceptEncoding: "gzip",
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				bodyContains:    `"received":true`,
			},
		},
		{
			name:           "compressed checkout",
			path:           "/api/checkout",
			body:           checkoutJSON,
			gzipRequest:    true,
			acceptEncoding: "gzip",
			want: want{
				statusCode:      http.StatusCreated,
				contentEncoding: "gzip",
				bodyContains:    `"purchase_id":"p-1"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &recordingService{}
			router := handler.NewHandler(svc, zap.NewNop()).SetupRouter()

			var reqBody io.Reader = strings.NewReader(tt.body)
			if tt.gzipRequest {
				reqBody = bytes.NewReader(gzipBytes(t, tt.body))
			}
			req := httptest.NewRequest(http.MethodPost, tt.path, reqBody)
			req.Header.Set("Content-Type", "application/json")
			if tt.gzipRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.want.statusCode {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.want.statusCode)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.want.contentEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.want.contentEncoding)
			}

			var body []byte
			var err error
			if tt.want.contentEncoding == "gzip" {
				gr, gzErr := gzip.NewReader(res.Body)
				if gzErr != nil {
					t.Fatalf("new gzip reader: %v", gzErr)
				}
				defer gr.Close()
				body, err = io.ReadAll(gr)
			} else {
				body, err = io.ReadAll(res.Body)
			}
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if !strings.Contains(string(body), tt.want.bodyContains) {
				t.Fatalf("body %q does not contain %q", body, tt.want.bodyContains)
			}

			svc.mu.Lock()
			defer svc.mu.Unlock()
			if svc.calls != 1 {
				t.Fatalf("service calls = %d, want 1", svc.calls)
			}
			if strings.HasPrefix(tt.path, "/api/webhooks") && string(svc.webhook) != tt.body {
				t.Fatalf("webhook body not decompressed: %q", svc.webhook)
			}
			if tt.path == "/api/checkout" && (len(svc.checkout.Items) != 1 || svc.checkout.Items[0].ID != "sku-1") {
				t.Fatalf("checkout body not decompressed: %+v", svc.checkout)
			}
		})
	}
}

func TestGzipMiddleware_CorruptBody(t *testing.T) {
	for _, path := range []string{"/api/webhooks/mercadopago?type=payment&data.id=123", "/api/checkout"} {
		t.Run(path, func(t *testing.T) {
			svc := &recordingService{}
			router := handler.NewHandler(svc, zap.NewNop()).SetupRouter()

			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(webhookJSON))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Content-Encoding", "gzip")

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
			}

			svc.mu.Lock()
			defer svc.mu.Unlock()
			if svc.calls != 0 {
				t.Fatalf("service must not be called, got %d calls", svc.calls)
			}
		})
	}
}
