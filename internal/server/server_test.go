package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/bank"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/infrastructure/keystore"
	"epay-reconciler/internal/repo/memory"
	"epay-reconciler/internal/server"
	"epay-reconciler/internal/service"
	"epay-reconciler/internal/testutil"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type healthFunc func(ctx context.Context) map[string]string

func (f healthFunc) Health(ctx context.Context) map[string]string { return f(ctx) }

type fixture struct {
	handler    http.Handler
	store      *memory.Store
	codec      *epay.Codec
	bankSigner *epay.Signer
}

func newFixture(t *testing.T, opts server.Options) *fixture {
	t.Helper()
	m, _, b := testutil.Material(t)
	logger, _ := test.NewNullLogger()
	store := memory.NewStore()
	codec := epay.NewCodec(nil)
	now := func() time.Time { return time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC) }

	issuer := service.NewOrderIssuer(store, epay.NewSigner(m, epay.SHA1WithRSA), service.NewSequenceGenerator("ORD-%03d"), service.GatewayConfig{
		MerchantID:   "92061101",
		MerchantName: "Shop",
		BankURL:      "https://epay.kkb.kz/jsp/process/logon.jsp",
		Template:     "default.xsl",
		OrderTTL:     24 * time.Hour,
	}, now, logger)
	svc := service.NewEpayment(store, issuer,
		service.NewPostbackValidator(store.Orders(), codec, epay.NewVerifier(m.CounterpartyCert, epay.SHA1WithRSA)),
		service.NewReconciler(store, now, logger),
		service.NewSequenceGenerator("INV-%03d"),
		service.EpaymentConfig{
			PaymentURIPattern: "https://shop.example.com/pay/@INVOICE_NUMBER@",
			DefaultURIs: service.FormURIs{
				Postback: "https://shop.example.com/epay/postback",
				Failure:  "https://shop.example.com/epay/failure",
				Return:   "https://shop.example.com/",
			},
		}, now, logger)

	health := healthFunc(func(context.Context) map[string]string { return map[string]string{"status": "up"} })
	return &fixture{
		handler:    server.New(svc, health, opts, logger).Handler(),
		store:      store,
		codec:      codec,
		bankSigner: epay.NewSigner(&keystore.Material{SigningKey: b.Key, SigningCert: b.Cert}, epay.SHA1WithRSA),
	}
}

func (f *fixture) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) createInvoice(t *testing.T) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/invoices", "application/json",
		`{"number":"INV-001","amount":"1500","currency":"KZT","consumerEmail":"john@example.com","language":"en"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (f *fixture) paymentForm(t *testing.T) (string, map[string]string) {
	t.Helper()
	w := f.do(t, http.MethodGet, "/api/invoices/INV-001/payment-form", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		OrderNumber string `json:"orderNumber"`
		Form        struct {
			Address string            `json:"address"`
			Params  map[string]string `json:"params"`
		} `json:"form"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.OrderNumber, body.Form.Params
}

func (f *fixture) postback(t *testing.T, orderNumber string) string {
	t.Helper()
	o, err := f.store.Orders().FindByNumber(context.Background(), orderNumber)
	require.NoError(t, err)
	req, err := f.codec.ParseOrder(o.OrderDoc)
	require.NoError(t, err)
	raw, err := bank.SignResponse(f.bankSigner, bank.ResponseFor(req.Merchant, "REF-9", "2024-03-01 10:15:00"))
	require.NoError(t, err)
	return string(raw)
}

func TestInvoiceAPI(t *testing.T) {
	f := newFixture(t, server.Options{})
	f.createInvoice(t)

	w := f.do(t, http.MethodGet, "/api/invoices/INV-001", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var inv map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	assert.Equal(t, "ACCEPTED", inv["status"])
	assert.Equal(t, "1500", inv["amount"])
	assert.Equal(t, "en", inv["language"])
	assert.Equal(t, "https://shop.example.com/pay/INV-001", inv["paymentUri"])

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   domain.Code
	}{
		{"unknown invoice", http.MethodGet, "/api/invoices/INV-404", "", http.StatusNotFound, domain.CodeInvoiceNotFound},
		{"duplicate number", http.MethodPost, "/api/invoices", `{"number":"INV-001","amount":"10","currency":"KZT"}`, http.StatusBadRequest, domain.CodeIllegalArgument},
		{"bad currency", http.MethodPost, "/api/invoices", `{"amount":"10","currency":"GBP"}`, http.StatusBadRequest, domain.CodeIllegalArgument},
		{"missing currency", http.MethodPost, "/api/invoices", `{"amount":"10"}`, http.StatusBadRequest, domain.CodeIllegalArgument},
		{"malformed json", http.MethodPost, "/api/invoices", `{"amount":`, http.StatusBadRequest, domain.CodeIllegalArgument},
		{"manual payment mismatch", http.MethodPost, "/api/invoices/INV-001/manual-payment", `{"amount":"1","currency":"KZT"}`, http.StatusUnprocessableEntity, domain.CodeValidation},
		{"relative return url", http.MethodGet, "/api/invoices/INV-001/payment-form?returnUrl=" + url.QueryEscape("/back"), "", http.StatusBadRequest, domain.CodeIllegalArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, "application/json", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body["code"])
		})
	}
}

func TestCancelInvoiceOverHTTP(t *testing.T) {
	f := newFixture(t, server.Options{})
	f.createInvoice(t)
	orderNumber, _ := f.paymentForm(t)

	w := f.do(t, http.MethodPost, "/api/invoices/INV-001/cancel", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var inv map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	assert.Equal(t, "CANCELED", inv["status"])

	o, err := f.store.Orders().FindByNumber(context.Background(), orderNumber)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCanceled, o.Status)

	w = f.do(t, http.MethodPost, "/api/invoices/INV-001/cancel", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodPost, "/api/invoices/INV-404/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	f := newFixture(t, server.Options{})
	f.createInvoice(t)

	orderNumber, params := f.paymentForm(t)
	assert.Equal(t, "ORD-001", orderNumber)
	assert.Len(t, params, len(service.FormParamOrder))
	assert.Equal(t, "eng", params["Language"])

	raw := f.postback(t, orderNumber)
	form := url.Values{"response": {raw}}.Encode()

	w := f.do(t, http.MethodPost, "/epay/postback", "application/x-www-form-urlencoded", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0", w.Body.String())

	// redelivery is acknowledged without a second payment
	w = f.do(t, http.MethodPost, "/epay/postback", "text/xml", raw)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Body.String())
	assert.Equal(t, 1, f.store.PaymentCount())

	w = f.do(t, http.MethodGet, "/api/invoices/INV-001", "", "")
	var inv map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	assert.Equal(t, "PAID", inv["status"])
	assert.Equal(t, "REF-9", inv["paymentReference"])

	// a failure arriving after the payment is recorded and acknowledged
	failure, err := bank.SignFailure(f.bankSigner, epay.FailureDoc{OrderID: orderNumber, Error: epay.ErrorDoc{Type: "auth", Message: "late"}})
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/epay/failure", "text/xml", string(failure))
	assert.Equal(t, "0", w.Body.String())
}

func TestGatewayCallbackErrors(t *testing.T) {
	f := newFixture(t, server.Options{})
	f.createInvoice(t)
	orderNumber, _ := f.paymentForm(t)
	raw := f.postback(t, orderNumber)

	w := f.do(t, http.MethodPost, "/epay/postback", "text/xml", strings.Replace(raw, "REF-9", "REF-8", 1))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "WRONG_SIGNATURE", w.Body.String())

	w = f.do(t, http.MethodPost, "/epay/postback", "application/x-www-form-urlencoded", "other=1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "FORMAT", w.Body.String())

	failure, err := bank.SignFailure(f.bankSigner, epay.FailureDoc{OrderID: "ORD-999", Error: epay.ErrorDoc{Type: "auth", Message: "declined"}})
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/epay/failure", "text/xml", string(failure))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", w.Body.String())

	assert.Zero(t, f.store.PaymentCount())
}

func TestPostbackRateLimit(t *testing.T) {
	f := newFixture(t, server.Options{PostbackRate: 0.001, PostbackBurst: 1})

	w := f.do(t, http.MethodPost, "/epay/postback", "text/xml", "<document></document>")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/epay/postback", "text/xml", "<document></document>")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// the invoice API is not throttled
	w = f.do(t, http.MethodGet, "/api/invoices/INV-404", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, server.Options{CORSOrigins: []string{"https://shop.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/invoices", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://shop.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	logger, _ := test.NewNullLogger()
	for status, code := range map[string]int{"up": http.StatusOK, "down": http.StatusServiceUnavailable} {
		health := healthFunc(func(context.Context) map[string]string { return map[string]string{"status": status} })
		h := server.New(nil, health, server.Options{}, logger).Handler()

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, code, w.Code, status)
	}
}
