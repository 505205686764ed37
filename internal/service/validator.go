package service

import (
	"context"
	"time"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/repo"
)

const approvedResponseCode = "00"

// ValidatedPostback is a payment response that passed every check.
type ValidatedPostback struct {
	Order     *domain.Order
	Response  *epay.PaymentResponse
	PaidAt    time.Time
	Reference string
}

type ValidatedFailure struct {
	Order       *domain.Order
	Failure     *epay.FailureResponse
	OrderNumber string
	Message     string
}

// PostbackValidator checks inbound gateway documents in a fixed order:
// format, signature, order lookup and, for payments, consistency with the
// signed request. The first failing check decides the error.
type PostbackValidator interface {
	ValidatePayment(ctx context.Context, raw []byte) (*ValidatedPostback, error)
	ValidateFailure(ctx context.Context, raw []byte) (*ValidatedFailure, error)
}

type postbackValidator struct {
	orders   repo.OrderRepo
	codec    *epay.Codec
	verifier *epay.Verifier
}

func NewPostbackValidator(orders repo.OrderRepo, codec *epay.Codec, verifier *epay.Verifier) PostbackValidator {
	return &postbackValidator{orders: orders, codec: codec, verifier: verifier}
}

func (v *postbackValidator) ValidatePayment(ctx context.Context, raw []byte) (*ValidatedPostback, error) {
	resp, err := v.codec.ParsePaymentResponse(raw)
	if err != nil {
		return nil, err
	}
	if err := v.authenticate(resp.BankCertID, resp.Signed, resp.Signature); err != nil {
		return nil, err
	}
	order, err := v.order(ctx, resp.OrderNumber())
	if err != nil {
		return nil, err
	}
	if err := v.consistent(order, resp); err != nil {
		return nil, err
	}
	return &ValidatedPostback{
		Order:     order,
		Response:  resp,
		PaidAt:    resp.Timestamp,
		Reference: resp.Reference(),
	}, nil
}

func (v *postbackValidator) ValidateFailure(ctx context.Context, raw []byte) (*ValidatedFailure, error) {
	f, err := v.codec.ParseFailure(raw)
	if err != nil {
		return nil, err
	}
	if err := v.authenticate(f.BankCertID, f.Signed, f.Signature); err != nil {
		return nil, err
	}
	order, err := v.order(ctx, f.OrderNumber())
	if err != nil {
		return nil, err
	}
	return &ValidatedFailure{
		Order:       order,
		Failure:     f,
		OrderNumber: order.Number,
		Message:     f.Message(),
	}, nil
}

func (v *postbackValidator) authenticate(certID string, signed, sig []byte) error {
	if certID != v.verifier.CertID() {
		return domain.Errorf(domain.CodeWrongSignature, "document signed by certificate %s, expected %s", certID, v.verifier.CertID())
	}
	return v.verifier.Verify(signed, sig)
}

func (v *postbackValidator) order(ctx context.Context, number string) (*domain.Order, error) {
	order, err := v.orders.FindByNumber(ctx, number)
	if err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "find order %s", number)
	}
	if order == nil {
		return nil, domain.Errorf(domain.CodeOrderNotFound, "order %s not found", number)
	}
	return order, nil
}

// consistent compares the merchant element echoed by the gateway with the
// one the merchant signed, and the payment with the order.
func (v *postbackValidator) consistent(order *domain.Order, resp *epay.PaymentResponse) error {
	req, err := v.codec.ParseOrder(order.OrderDoc)
	if err != nil {
		return domain.Escalate(domain.Wrap(domain.CodeValidation, err, "stored request of order %s is unreadable", order.Number))
	}
	want, got := req.Merchant, resp.Merchant()

	checks := []struct {
		field     string
		want, got string
	}{
		{"order_id", want.Order.OrderID, got.Order.OrderID},
		{"amount", want.Order.Amount, got.Order.Amount},
		{"currency", want.Order.Currency, got.Order.Currency},
		{"cert_id", want.CertID, got.CertID},
		{"department merchant_id", want.Order.Department.MerchantID, got.Order.Department.MerchantID},
		{"payment merchant_id", order.MerchantID, resp.Bank.Results.Payment.MerchantID},
		{"response_code", approvedResponseCode, resp.Bank.Results.Payment.ResponseCode},
	}
	for _, c := range checks {
		if c.want != c.got {
			return domain.Errorf(domain.CodeValidation, "order %s: response %s is %q, expected %q", order.Number, c.field, c.got, c.want)
		}
	}
	if !resp.Amount.Equal(order.Amount) {
		return domain.Errorf(domain.CodeValidation, "order %s: paid amount %s differs from order amount %s", order.Number, resp.Amount, order.Amount)
	}
	return nil
}
