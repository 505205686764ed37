package service_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/repo"
	"epay-reconciler/internal/repo/memory"
	"epay-reconciler/internal/service"
	"epay-reconciler/internal/testutil"
)

type countingGen struct {
	number string
	calls  int
}

func (g *countingGen) Next() string {
	g.calls++
	return g.number
}

type listGen struct {
	numbers []string
	calls   int
}

func (g *listGen) Next() string {
	n := g.numbers[g.calls%len(g.numbers)]
	g.calls++
	return n
}

// checkedStore records the order numbers asked about.
type checkedStore struct {
	*memory.Store
	checked []string
}

func (s *checkedStore) Orders() repo.OrderRepo { return checkedOrders{s.Store.Orders(), s} }

type checkedOrders struct {
	repo.OrderRepo
	store *checkedStore
}

func (o checkedOrders) IsUniqueNumber(ctx context.Context, number string) (bool, error) {
	o.store.checked = append(o.store.checked, number)
	return o.OrderRepo.IsUniqueNumber(ctx, number)
}

func TestIssueOrderSignsDocuments(t *testing.T) {
	h := newHarness(t)
	inv := h.acceptInvoice(t, "INV-001")

	order, form, err := h.svc.IssueOrder(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "ORD-001", order.Number)
	assert.Equal(t, domain.OrderNew, order.Status)
	assert.Equal(t, merchantID, order.MerchantID)

	assert.Equal(t, bankURL, form.Address)
	assert.Equal(t, "POST", form.Method)
	require.Len(t, form.Params, len(service.FormParamOrder))
	for _, name := range service.FormParamOrder {
		assert.Contains(t, form.Params, name)
	}
	assert.Equal(t, "rus", form.Params["Language"])
	assert.Equal(t, "john@example.com", form.Params["email"])
	assert.Equal(t, postbackURI, form.Params["PostLink"])
	assert.Equal(t, failureURI, form.Params["FailurePostLink"])
	assert.Equal(t, returnURI, form.Params["BackLink"])
	assert.Equal(t, "default.xsl", form.Params["template"])

	orderDoc, err := base64.StdEncoding.DecodeString(form.Params["Signed_Order_B64"])
	require.NoError(t, err)
	assert.Equal(t, order.OrderDoc, orderDoc)

	so, err := h.codec.ParseOrder(orderDoc)
	require.NoError(t, err)
	assert.Equal(t, "ORD-001", so.Merchant.Order.OrderID)
	assert.Equal(t, epay.FormatAmount(decimal.NewFromInt(1500)), so.Merchant.Order.Amount)
	assert.Equal(t, "398", so.Merchant.Order.Currency)
	assert.Equal(t, merchantID, so.Merchant.Order.Department.MerchantID)

	_, merchant, _ := testutil.Material(t)
	verifier := epay.NewVerifier(merchant.Cert, epay.SHA1WithRSA)
	assert.Equal(t, verifier.CertID(), so.Merchant.CertID)
	require.NoError(t, verifier.Verify(so.Signed, so.Signature))

	cartDoc, err := base64.StdEncoding.DecodeString(form.Params["appendix"])
	require.NoError(t, err)
	cart, err := h.codec.ParseCart(cartDoc)
	require.NoError(t, err)
	assert.Equal(t, "ORD-001", cart.Cart.OrderID)
	require.Len(t, cart.Cart.Items, 1)
	assert.Equal(t, "Invoice INV-001", cart.Cart.Items[0].Name)
	require.NoError(t, verifier.Verify(cart.Signed, cart.Signature))
}

func TestIssueOrderReusesUsableOrder(t *testing.T) {
	h := newHarness(t)
	inv := h.acceptInvoice(t, "INV-001")

	first := h.issue(t, inv)
	second := h.issue(t, inv)
	assert.Equal(t, first.Number, second.Number)
	assert.Equal(t, first.OrderDoc, second.OrderDoc)

	h.clock.Advance(24 * time.Hour)
	third := h.issue(t, inv)
	assert.Equal(t, "ORD-002", third.Number)

	latest, err := h.store.Orders().FindLatestForInvoice(context.Background(), "INV-001")
	require.NoError(t, err)
	assert.Equal(t, "ORD-002", latest.Number)
}

func TestIssueOrderRequiresAcceptedInvoice(t *testing.T) {
	h := newHarness(t)
	inv := h.acceptInvoice(t, "INV-001")
	_, err := h.svc.CompleteWithUnknownPayment(context.Background(), "INV-001", decimal.NewFromInt(1500), domain.CurrencyKZT, time.Time{}, "CASH-1")
	require.NoError(t, err)

	_, _, err = h.svc.IssueOrder(context.Background(), h.invoice(t, inv.Number))
	assert.ErrorIs(t, err, domain.ErrIllegalState)

	_, _, err = h.svc.IssueOrder(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrIllegalArgument)
}

func TestIssueOrderExhaustsNumbers(t *testing.T) {
	h := newHarness(t)
	h.issue(t, h.acceptInvoice(t, "INV-001"))
	inv := h.acceptInvoice(t, "INV-002")

	m, _, _ := testutil.Material(t)
	logger, _ := test.NewNullLogger()
	gen := &countingGen{number: "ORD-001"}
	issuer := service.NewOrderIssuer(h.store, epay.NewSigner(m, epay.SHA1WithRSA), gen, service.GatewayConfig{
		MerchantID: merchantID,
		BankURL:    bankURL,
	}, h.clock.Now, logger)

	_, err := issuer.Issue(context.Background(), inv)
	require.ErrorIs(t, err, domain.ErrNumberGenerationExhausted)
	assert.Equal(t, domain.KindOperational, domain.KindOf(err))
	assert.Equal(t, service.MaxNumberAttempts, gen.calls)

	latest, err := h.store.Orders().FindLatestForInvoice(context.Background(), "INV-002")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRenderHTTPForm(t *testing.T) {
	h := newHarness(t)
	inv := h.acceptInvoice(t, "INV-001")
	order := h.issue(t, inv)

	form, err := h.issuer.RenderHTTPForm(order, inv, service.FormURIs{Postback: postbackURI, Return: returnURI})
	require.NoError(t, err)
	assert.Len(t, form.Params, len(service.FormParamOrder)-1)
	assert.NotContains(t, form.Params, "FailurePostLink")

	tests := []struct {
		name string
		uris service.FormURIs
	}{
		{"missing postback", service.FormURIs{Return: returnURI}},
		{"missing return", service.FormURIs{Postback: postbackURI}},
		{"relative postback", service.FormURIs{Postback: "/epay/postback", Return: returnURI}},
		{"relative failure", service.FormURIs{Postback: postbackURI, Failure: "epay/failure", Return: returnURI}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.issuer.RenderHTTPForm(order, inv, tt.uris)
			assert.ErrorIs(t, err, domain.ErrIllegalArgument)
		})
	}

	other := *inv
	other.Number = "INV-999"
	_, err = h.issuer.RenderHTTPForm(order, &other, service.FormURIs{Postback: postbackURI, Return: returnURI})
	assert.ErrorIs(t, err, domain.ErrIllegalArgument)
}

func TestIssueOrderForOverridesURIs(t *testing.T) {
	h := newHarness(t)
	h.acceptInvoice(t, "INV-001")

	_, form, err := h.svc.IssueOrderFor(context.Background(), "INV-001", service.FormURIs{Return: "https://shop.example.com/thanks"})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/thanks", form.Params["BackLink"])
	assert.Equal(t, postbackURI, form.Params["PostLink"])

	_, _, err = h.svc.IssueOrderFor(context.Background(), "INV-404", service.FormURIs{})
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestIssueOrderSkipsEmptyCandidates(t *testing.T) {
	h := newHarness(t)
	inv := h.acceptInvoice(t, "INV-001")
	store := &checkedStore{Store: h.store}

	m, _, _ := testutil.Material(t)
	logger, _ := test.NewNullLogger()
	newIssuer := func(gen service.NumberGenerator) service.OrderIssuer {
		return service.NewOrderIssuer(store, epay.NewSigner(m, epay.SHA1WithRSA), gen, service.GatewayConfig{
			MerchantID: merchantID,
			BankURL:    bankURL,
		}, h.clock.Now, logger)
	}

	_, err := newIssuer(&listGen{numbers: []string{""}}).Issue(context.Background(), inv)
	require.ErrorIs(t, err, domain.ErrNumberGenerationExhausted)
	assert.Empty(t, store.checked)

	gen := &listGen{numbers: []string{"", "", "ORD-777"}}
	order, err := newIssuer(gen).Issue(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "ORD-777", order.Number)
	assert.Equal(t, 3, gen.calls)
	assert.Equal(t, []string{"ORD-777"}, store.checked)
}
