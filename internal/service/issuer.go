package service

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/repo"
)

// GatewayConfig is the merchant's gateway account.
type GatewayConfig struct {
	MerchantID   string
	MerchantName string
	BankURL      string
	Template     string
	// OrderTTL limits how long an unpaid order is handed out again. Zero
	// keeps orders reusable forever.
	OrderTTL time.Duration
}

// HTTPForm is what the consumer's browser posts to the gateway.
type HTTPForm struct {
	Address string            `json:"address"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params"`
}

// FormParamOrder is the order the gateway documents list the form fields in.
var FormParamOrder = []string{
	"Signed_Order_B64", "template", "email", "PostLink", "FailurePostLink", "Language", "appendix", "BackLink",
}

// FormURIs are the merchant endpoints handed to the gateway. Failure may be
// empty, in which case the gateway reports failures on the postback link.
type FormURIs struct {
	Postback string
	Failure  string
	Return   string
}

type OrderIssuer interface {
	// Issue returns the invoice's latest order while it is still usable and
	// issues a new signed one otherwise.
	Issue(ctx context.Context, inv *domain.Invoice) (*domain.Order, error)
	RenderHTTPForm(o *domain.Order, inv *domain.Invoice, uris FormURIs) (*HTTPForm, error)
}

type orderIssuer struct {
	store  repo.Store
	signer *epay.Signer
	gen    NumberGenerator
	cfg    GatewayConfig
	now    func() time.Time
	logger logrus.FieldLogger
}

func NewOrderIssuer(store repo.Store, signer *epay.Signer, gen NumberGenerator, cfg GatewayConfig, now func() time.Time, logger logrus.FieldLogger) OrderIssuer {
	if now == nil {
		now = time.Now
	}
	return &orderIssuer{store: store, signer: signer, gen: gen, cfg: cfg, now: now, logger: logger}
}

func (s *orderIssuer) Issue(ctx context.Context, inv *domain.Invoice) (*domain.Order, error) {
	if inv == nil || inv.Number == "" {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "invoice is required")
	}
	if inv.Status != domain.InvoiceAccepted {
		return nil, domain.Errorf(domain.CodeIllegalState, "invoice %s is %s, orders are issued for ACCEPTED invoices only", inv.Number, inv.Status)
	}

	latest, err := s.store.Orders().FindLatestForInvoice(ctx, inv.Number)
	if err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "find latest order of invoice %s", inv.Number)
	}
	if latest != nil && latest.Usable(s.now(), s.cfg.OrderTTL) {
		return latest, nil
	}

	// the uniqueness check and the insert both count against the same budget
	for attempt := 0; attempt < MaxNumberAttempts; attempt++ {
		number := s.gen.Next()
		if number == "" {
			continue
		}
		unique, err := s.store.Orders().IsUniqueNumber(ctx, number)
		if err != nil {
			return nil, domain.Wrap(domain.CodeStorage, err, "check order number %s", number)
		}
		if !unique {
			continue
		}
		order, err := s.compose(inv, number)
		if err != nil {
			return nil, err
		}

		issued, err := s.persist(ctx, order)
		if errors.Is(err, repo.ErrDuplicate) {
			// lost the number to a concurrent issuer
			continue
		}
		if err != nil {
			return nil, err
		}
		if issued.Number == order.Number {
			s.logger.WithFields(logrus.Fields{
				"invoice_number": inv.Number,
				"order_number":   order.Number,
			}).Info("order issued")
		}
		return issued, nil
	}
	return nil, domain.Errorf(domain.CodeNumberGenerationExhausted, "no unique order number for invoice %s", inv.Number)
}

// persist stores the order unless a concurrent call already issued a usable
// one, which is returned instead.
func (s *orderIssuer) persist(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	var issued *domain.Order
	err := s.store.WithinTx(ctx, func(r repo.Repos) error {
		inv, err := r.Invoices().LockByNumber(ctx, order.InvoiceNumber)
		if err != nil {
			return domain.Wrap(domain.CodeStorage, err, "lock invoice %s", order.InvoiceNumber)
		}
		if inv == nil {
			return domain.Errorf(domain.CodeInvoiceNotFound, "invoice %s not found", order.InvoiceNumber)
		}
		if inv.Status != domain.InvoiceAccepted {
			return domain.Errorf(domain.CodeIllegalState, "invoice %s is %s", inv.Number, inv.Status)
		}
		latest, err := r.Orders().FindLatestForInvoice(ctx, inv.Number)
		if err != nil {
			return domain.Wrap(domain.CodeStorage, err, "find latest order of invoice %s", inv.Number)
		}
		if latest != nil {
			number := latest.Number
			if latest, err = r.Orders().LockByNumber(ctx, number); err != nil {
				return domain.Wrap(domain.CodeStorage, err, "lock order %s", number)
			}
		}
		if latest != nil && latest.Usable(s.now(), s.cfg.OrderTTL) {
			issued = latest
			return nil
		}
		if err := r.Orders().Create(ctx, order); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return err
			}
			return domain.Wrap(domain.CodeStorage, err, "create order %s", order.Number)
		}
		issued = order
		return nil
	})
	if err != nil {
		return nil, storageError(err, "issue order")
	}
	return issued, nil
}

// compose builds and signs the order and cart documents. The signed order id
// is the order's own number.
func (s *orderIssuer) compose(inv *domain.Invoice, number string) (*domain.Order, error) {
	amount := epay.FormatAmount(inv.Amount)
	merchant := epay.MerchantDoc{
		CertID: s.signer.CertID(),
		Name:   s.cfg.MerchantName,
		Order: epay.OrderDoc{
			OrderID:  number,
			Amount:   amount,
			Currency: inv.Currency.NumericCode(),
			Department: epay.DepartmentDoc{
				MerchantID: s.cfg.MerchantID,
				Amount:     amount,
			},
		},
	}
	orderDoc, err := s.sign(merchant)
	if err != nil {
		return nil, err
	}

	cart := epay.CartDoc{
		OrderID: number,
		Items: []epay.CartItem{{
			Number:   1,
			Name:     inv.PurposeText(),
			Quantity: 1,
			Amount:   amount,
		}},
	}
	cartDoc, err := s.sign(cart)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &domain.Order{
		Number:        number,
		InvoiceNumber: inv.Number,
		Status:        domain.OrderNew,
		Amount:        inv.Amount,
		Currency:      inv.Currency,
		MerchantID:    s.cfg.MerchantID,
		OrderDoc:      orderDoc,
		CartDoc:       cartDoc,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *orderIssuer) sign(doc any) ([]byte, error) {
	signed, err := epay.CanonicalBytes(doc)
	if err != nil {
		return nil, domain.Escalate(err)
	}
	sig, err := s.signer.Sign(signed)
	if err != nil {
		return nil, err
	}
	return epay.MerchantEnvelope(signed, sig), nil
}

func (s *orderIssuer) RenderHTTPForm(o *domain.Order, inv *domain.Invoice, uris FormURIs) (*HTTPForm, error) {
	if o == nil || len(o.OrderDoc) == 0 {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "signed order is required")
	}
	if inv == nil {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "invoice is required")
	}
	if o.InvoiceNumber != inv.Number {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "order %s does not belong to invoice %s", o.Number, inv.Number)
	}
	if s.cfg.BankURL == "" {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "gateway address is not configured")
	}
	postback, err := requireURI("postback", uris.Postback)
	if err != nil {
		return nil, err
	}
	back, err := requireURI("return", uris.Return)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"Signed_Order_B64": base64.StdEncoding.EncodeToString(o.OrderDoc),
		"template":         s.cfg.Template,
		"email":            inv.ConsumerEmail,
		"PostLink":         postback,
		"Language":         inv.ConsumerLanguage.GatewayTag(),
		"appendix":         base64.StdEncoding.EncodeToString(o.CartDoc),
		"BackLink":         back,
	}
	if uris.Failure != "" {
		failure, err := requireURI("failure", uris.Failure)
		if err != nil {
			return nil, err
		}
		params["FailurePostLink"] = failure
	}
	return &HTTPForm{Address: s.cfg.BankURL, Method: "POST", Params: params}, nil
}

func requireURI(name, raw string) (string, error) {
	if raw == "" {
		return "", domain.Errorf(domain.CodeIllegalArgument, "%s URI is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", domain.Errorf(domain.CodeIllegalArgument, "%s URI %q is not absolute", name, raw)
	}
	return u.String(), nil
}

// storageError tags untagged errors coming out of a unit of work.
func storageError(err error, op string) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Wrap(domain.CodeStorage, err, "%s", op)
}
