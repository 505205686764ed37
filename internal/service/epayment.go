package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/repo"
)

// Epayment is the entry point used by the HTTP API, the CLI and the simulator.
type Epayment interface {
	AcceptInvoice(ctx context.Context, b *domain.InvoiceBuilder) (*domain.Invoice, error)
	InvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error)
	HasInvoiceWithNumber(ctx context.Context, number string) (bool, error)
	DefaultPaymentURI(inv *domain.Invoice) (string, error)

	// IssueOrder issues (or reuses) an order and renders the form against the
	// configured merchant endpoints.
	IssueOrder(ctx context.Context, inv *domain.Invoice) (*domain.Order, *HTTPForm, error)
	IssueOrderFor(ctx context.Context, invoiceNumber string, uris FormURIs) (*domain.Order, *HTTPForm, error)

	HandlePostback(ctx context.Context, raw []byte) (*domain.Invoice, error)
	HandleFailure(ctx context.Context, raw []byte) (*domain.GatewayError, error)
	CompleteWithUnknownPayment(ctx context.Context, invoiceNumber string, amount decimal.Decimal, currency domain.Currency, paidAt time.Time, reference string) (*domain.Invoice, error)
	// CancelInvoice withdraws an unpaid invoice together with its pending order.
	CancelInvoice(ctx context.Context, number string) (*domain.Invoice, error)
}

type EpaymentConfig struct {
	// PaymentURIPattern may reference @INVOICE_NUMBER@, @INVOICE_ID@ and @LANG@.
	PaymentURIPattern string
	DefaultURIs       FormURIs
}

type epayment struct {
	store      repo.Store
	issuer     OrderIssuer
	validator  PostbackValidator
	reconciler Reconciler
	invoiceGen NumberGenerator
	cfg        EpaymentConfig
	now        func() time.Time
	logger     logrus.FieldLogger
}

func NewEpayment(
	store repo.Store,
	issuer OrderIssuer,
	validator PostbackValidator,
	reconciler Reconciler,
	invoiceGen NumberGenerator,
	cfg EpaymentConfig,
	now func() time.Time,
	logger logrus.FieldLogger,
) Epayment {
	if now == nil {
		now = time.Now
	}
	return &epayment{
		store:      store,
		issuer:     issuer,
		validator:  validator,
		reconciler: reconciler,
		invoiceGen: invoiceGen,
		cfg:        cfg,
		now:        now,
		logger:     logger,
	}
}

func (s *epayment) AcceptInvoice(ctx context.Context, b *domain.InvoiceBuilder) (*domain.Invoice, error) {
	if b == nil {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "invoice builder is required")
	}
	now := s.now()
	built, err := b.Build(now)
	if err != nil {
		return nil, err
	}
	generated := built.Number == ""

	var inv *domain.Invoice
	for attempt := 1; ; attempt++ {
		candidate := *built
		inv = &candidate
		if generated {
			number, err := GenerateNumber(ctx, s.invoiceGen, s.store.Invoices().IsUniqueNumber, MaxNumberAttempts)
			if err != nil {
				return nil, err
			}
			if err := inv.AssignNumber(number); err != nil {
				return nil, err
			}
		}
		if err := inv.Accept(now); err != nil {
			return nil, err
		}

		err = s.store.WithinTx(ctx, func(r repo.Repos) error { return s.create(ctx, r, inv, now) })
		if !errors.Is(err, repo.ErrDuplicate) {
			break
		}
		// a supplied number is the caller's mistake, a generated one is retried
		if !generated {
			err = domain.Errorf(domain.CodeIllegalArgument, "invoice number %s is already used", inv.Number)
			break
		}
		if attempt == MaxNumberAttempts {
			err = domain.Errorf(domain.CodeNumberGenerationExhausted, "generated invoice number %s collided %d times", inv.Number, attempt)
			break
		}
	}
	if err != nil {
		err = storageError(err, "accept invoice")
		s.log(err, logrus.Fields{"invoice_number": inv.Number}, "accept invoice")
		return nil, err
	}
	s.logger.WithField("invoice_number", inv.Number).Info("invoice accepted")
	return inv, nil
}

// create stores the invoice and queues the payment link for its consumer.
// A number collision comes back as repo.ErrDuplicate.
func (s *epayment) create(ctx context.Context, r repo.Repos, inv *domain.Invoice, now time.Time) error {
	if err := r.Invoices().Create(ctx, inv); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return err
		}
		return domain.Wrap(domain.CodeStorage, err, "create invoice %s", inv.Number)
	}
	if inv.ConsumerEmail == "" {
		return nil
	}
	props := map[string]string{
		"email":    inv.ConsumerEmail,
		"name":     inv.ConsumerName,
		"language": inv.ConsumerLanguage.Tag(),
		"amount":   inv.Amount.String(),
		"currency": string(inv.Currency),
	}
	if uri, err := s.DefaultPaymentURI(inv); err == nil {
		props["paymentUri"] = uri
	}
	evt := domain.NewOutboxEvent(domain.EventPaymentLink, inv.Number, props, now)
	if err := r.Outbox().Save(ctx, evt); err != nil {
		return domain.Wrap(domain.CodeStorage, err, "queue %s for invoice %s", evt.Event, inv.Number)
	}
	return nil
}

func (s *epayment) InvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	if strings.TrimSpace(number) == "" {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "invoice number is required")
	}
	inv, err := s.store.Invoices().FindByNumber(ctx, number)
	if err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "find invoice %s", number)
	}
	if inv == nil {
		return nil, domain.Errorf(domain.CodeInvoiceNotFound, "invoice %s not found", number)
	}
	return inv, nil
}

func (s *epayment) HasInvoiceWithNumber(ctx context.Context, number string) (bool, error) {
	_, err := s.InvoiceByNumber(ctx, number)
	if errors.Is(err, domain.ErrInvoiceNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *epayment) DefaultPaymentURI(inv *domain.Invoice) (string, error) {
	if inv == nil || inv.Number == "" {
		return "", domain.Errorf(domain.CodeIllegalArgument, "invoice with a number is required")
	}
	if s.cfg.PaymentURIPattern == "" {
		return "", domain.Errorf(domain.CodeConfiguration, "payment URI pattern is not configured")
	}
	number := url.PathEscape(inv.Number)
	return strings.NewReplacer(
		"@INVOICE_NUMBER@", number,
		"@INVOICE_ID@", number,
		"@LANG@", inv.ConsumerLanguage.Tag(),
	).Replace(s.cfg.PaymentURIPattern), nil
}

func (s *epayment) IssueOrder(ctx context.Context, inv *domain.Invoice) (*domain.Order, *HTTPForm, error) {
	return s.issue(ctx, inv, s.cfg.DefaultURIs)
}

func (s *epayment) IssueOrderFor(ctx context.Context, invoiceNumber string, uris FormURIs) (*domain.Order, *HTTPForm, error) {
	inv, err := s.InvoiceByNumber(ctx, invoiceNumber)
	if err != nil {
		return nil, nil, err
	}
	if uris.Postback == "" {
		uris.Postback = s.cfg.DefaultURIs.Postback
	}
	if uris.Failure == "" {
		uris.Failure = s.cfg.DefaultURIs.Failure
	}
	if uris.Return == "" {
		uris.Return = s.cfg.DefaultURIs.Return
	}
	return s.issue(ctx, inv, uris)
}

func (s *epayment) issue(ctx context.Context, inv *domain.Invoice, uris FormURIs) (*domain.Order, *HTTPForm, error) {
	order, err := s.issuer.Issue(ctx, inv)
	if err != nil {
		fields := logrus.Fields{}
		if inv != nil {
			fields["invoice_number"] = inv.Number
		}
		s.log(err, fields, "issue order")
		return nil, nil, err
	}
	form, err := s.issuer.RenderHTTPForm(order, inv, uris)
	if err != nil {
		return nil, nil, err
	}
	return order, form, nil
}

func (s *epayment) HandlePostback(ctx context.Context, raw []byte) (*domain.Invoice, error) {
	vp, err := s.validator.ValidatePayment(ctx, raw)
	if err != nil {
		s.log(err, logrus.Fields{}, "reject postback")
		return nil, err
	}
	inv, err := s.reconciler.ReconcilePayment(ctx, vp)
	if err != nil {
		s.log(err, logrus.Fields{
			"order_number":   vp.Order.Number,
			"invoice_number": vp.Order.InvoiceNumber,
			"reference":      vp.Reference,
		}, "reconcile postback")
		return nil, err
	}
	return inv, nil
}

func (s *epayment) HandleFailure(ctx context.Context, raw []byte) (*domain.GatewayError, error) {
	vf, err := s.validator.ValidateFailure(ctx, raw)
	if err != nil {
		s.log(err, logrus.Fields{}, "reject failure")
		return nil, err
	}
	ge, err := s.reconciler.ReconcileFailure(ctx, vf)
	if err != nil {
		s.log(err, logrus.Fields{
			"order_number":   vf.OrderNumber,
			"invoice_number": vf.Order.InvoiceNumber,
		}, "reconcile failure")
	}
	return ge, err
}

func (s *epayment) CompleteWithUnknownPayment(ctx context.Context, invoiceNumber string, amount decimal.Decimal, currency domain.Currency, paidAt time.Time, reference string) (*domain.Invoice, error) {
	inv, err := s.reconciler.CompleteWithUnknownPayment(ctx, UnknownPayment{
		InvoiceNumber: invoiceNumber,
		Amount:        amount,
		Currency:      currency,
		PaidAt:        paidAt,
		Reference:     reference,
	})
	if err != nil {
		s.log(err, logrus.Fields{"invoice_number": invoiceNumber, "reference": reference}, "complete with unknown payment")
	}
	return inv, err
}

func (s *epayment) CancelInvoice(ctx context.Context, number string) (*domain.Invoice, error) {
	if strings.TrimSpace(number) == "" {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "invoice number is required")
	}
	now := s.now()

	var (
		canceled *domain.Invoice
		order    string
	)
	err := s.store.WithinTx(ctx, func(r repo.Repos) error {
		inv, err := r.Invoices().LockByNumber(ctx, number)
		if err != nil {
			return domain.Wrap(domain.CodeStorage, err, "lock invoice %s", number)
		}
		if inv == nil {
			return domain.Errorf(domain.CodeInvoiceNotFound, "invoice %s not found", number)
		}
		if err := inv.Cancel(now); err != nil {
			return err
		}
		if err := r.Invoices().Update(ctx, inv); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "update invoice %s", inv.Number)
		}
		canceled = inv

		latest, err := r.Orders().FindLatestForInvoice(ctx, inv.Number)
		if err != nil {
			return domain.Wrap(domain.CodeStorage, err, "find latest order of invoice %s", inv.Number)
		}
		if latest == nil {
			return nil
		}
		o, err := r.Orders().LockByNumber(ctx, latest.Number)
		if err != nil {
			return domain.Wrap(domain.CodeStorage, err, "lock order %s", latest.Number)
		}
		if o == nil || o.Status != domain.OrderNew {
			return nil
		}
		if err := o.Cancel(now); err != nil {
			return err
		}
		if err := r.Orders().Update(ctx, o); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "update order %s", o.Number)
		}
		order = o.Number
		return nil
	})
	if err != nil {
		err = storageError(err, "cancel invoice")
		s.log(err, logrus.Fields{"invoice_number": number}, "cancel invoice")
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"invoice_number": number,
		"order_number":   order,
	}).Info("invoice canceled")
	return canceled, nil
}

// log writes err at the level its kind calls for.
func (s *epayment) log(err error, fields logrus.Fields, msg string) {
	entry := s.logger.WithFields(fields).WithError(err).WithField("code", domain.CodeOf(err))
	switch domain.KindOf(err) {
	case domain.KindInput, domain.KindState:
		entry.Info(msg)
	case domain.KindAuthenticity:
		entry.WithField("security", true).Warn(msg)
	case domain.KindReference:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}
