package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/bank"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/infrastructure/keystore"
	"epay-reconciler/internal/repo/memory"
	"epay-reconciler/internal/service"
	"epay-reconciler/internal/testutil"
)

const (
	merchantID  = "92061101"
	bankURL     = "https://epay.kkb.kz/jsp/process/logon.jsp"
	postbackURI = "https://shop.example.com/epay/postback"
	failureURI  = "https://shop.example.com/epay/failure"
	returnURI   = "https://shop.example.com/invoices/INV-001"
	paidAtText  = "2024-03-01 10:15:00"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store      *memory.Store
	svc        service.Epayment
	issuer     service.OrderIssuer
	codec      *epay.Codec
	bankSigner *epay.Signer
	clock      *clock
	hook       *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m, _, b := testutil.Material(t)
	alg := epay.SHA1WithRSA

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c := &clock{t: time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	codec := epay.NewCodec(nil)

	issuer := service.NewOrderIssuer(store, epay.NewSigner(m, alg), service.NewSequenceGenerator("ORD-%03d"), service.GatewayConfig{
		MerchantID:   merchantID,
		MerchantName: "Shop",
		BankURL:      bankURL,
		Template:     "default.xsl",
		OrderTTL:     24 * time.Hour,
	}, c.Now, logger)
	validator := service.NewPostbackValidator(store.Orders(), codec, epay.NewVerifier(m.CounterpartyCert, alg))
	reconciler := service.NewReconciler(store, c.Now, logger)
	svc := service.NewEpayment(store, issuer, validator, reconciler, service.NewSequenceGenerator("INV-%03d"), service.EpaymentConfig{
		PaymentURIPattern: "https://shop.example.com/pay/@INVOICE_NUMBER@?lang=@LANG@",
		DefaultURIs:       service.FormURIs{Postback: postbackURI, Failure: failureURI, Return: returnURI},
	}, c.Now, logger)

	return &harness{
		store:      store,
		svc:        svc,
		issuer:     issuer,
		codec:      codec,
		bankSigner: epay.NewSigner(&keystore.Material{SigningKey: b.Key, SigningCert: b.Cert}, alg),
		clock:      c,
		hook:       hook,
	}
}

func (h *harness) acceptInvoice(t *testing.T, number string) *domain.Invoice {
	t.Helper()
	inv, err := h.svc.AcceptInvoice(context.Background(), domain.NewInvoice().
		WithNumber(number).
		WithAmount(decimal.NewFromInt(1500), domain.CurrencyKZT).
		WithConsumer("John Doe", "john@example.com", domain.LanguageRussian))
	require.NoError(t, err)
	return inv
}

func (h *harness) issue(t *testing.T, inv *domain.Invoice) *domain.Order {
	t.Helper()
	order, _, err := h.svc.IssueOrder(context.Background(), inv)
	require.NoError(t, err)
	return order
}

// response builds the approving gateway document for order.
func (h *harness) response(t *testing.T, order *domain.Order, reference string) epay.BankDoc {
	t.Helper()
	req, err := h.codec.ParseOrder(order.OrderDoc)
	require.NoError(t, err)
	return bank.ResponseFor(req.Merchant, reference, paidAtText)
}

func (h *harness) postback(t *testing.T, order *domain.Order, reference string) []byte {
	t.Helper()
	raw, err := bank.SignResponse(h.bankSigner, h.response(t, order, reference))
	require.NoError(t, err)
	return raw
}

func (h *harness) failure(t *testing.T, orderNumber, message string) []byte {
	t.Helper()
	raw, err := bank.SignFailure(h.bankSigner, epay.FailureDoc{
		OrderID: orderNumber,
		Error:   epay.ErrorDoc{Type: "auth", Time: paidAtText, Code: "05", Message: message},
		Session: epay.SessionDoc{ID: "1"},
	})
	require.NoError(t, err)
	return raw
}

func (h *harness) invoice(t *testing.T, number string) *domain.Invoice {
	t.Helper()
	inv, err := h.store.Invoices().FindByNumber(context.Background(), number)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv
}

func (h *harness) order(t *testing.T, number string) *domain.Order {
	t.Helper()
	o, err := h.store.Orders().FindByNumber(context.Background(), number)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (h *harness) events(event domain.NotificationEvent) int {
	n := 0
	for _, evt := range h.store.OutboxEvents() {
		if evt.Event == event {
			n++
		}
	}
	return n
}
