// Package bank simulates the card payment gateway: it accepts a signed order
// form and answers with signed postback or failure documents.
package bank

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/infrastructure/keystore"
)

type Result string

const (
	ResultApproved Result = "APPROVED"
	ResultDeclined Result = "DECLINED"
	// ResultDuplicated is an approval whose postback is delivered twice.
	ResultDuplicated Result = "DUPLICATED"
)

// Outcome is what the gateway sends back to the merchant for one order.
type Outcome struct {
	OrderNumber string
	Result      Result
	Reference   string
	// Postbacks holds signed payment responses, Failures signed failure
	// documents, in delivery order.
	Postbacks [][]byte
	Failures  [][]byte
}

type Gateway interface {
	// Submit processes the payment form posted by the consumer's browser.
	Submit(ctx context.Context, params map[string]string) (*Outcome, error)
	// Status returns the outcome recorded for an order, if any.
	Status(ctx context.Context, orderNumber string) (*Outcome, bool)
}

type Options struct {
	// Chance returns a number in [0, 100) that picks the outcome. Defaults
	// to math/rand.
	Chance   func() int
	Latency  time.Duration
	Now      func() time.Time
	Location *time.Location
}

type gateway struct {
	signer   *epay.Signer
	merchant *epay.Verifier
	codec    *epay.Codec
	opts     Options

	mu       sync.RWMutex
	outcomes map[string]*Outcome
	seq      int
}

// NewGateway builds a gateway signing with the bank identity in m and
// trusting the merchant certificate.
func NewGateway(m *keystore.Material, merchantCert *x509.Certificate, alg epay.Algorithm, opts Options) Gateway {
	if opts.Chance == nil {
		opts.Chance = func() int { return rand.IntN(100) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &gateway{
		signer:   epay.NewSigner(m, alg),
		merchant: epay.NewVerifier(merchantCert, alg),
		codec:    epay.NewCodec(opts.Location),
		opts:     opts,
		outcomes: make(map[string]*Outcome),
	}
}

func (g *gateway) Submit(ctx context.Context, params map[string]string) (*Outcome, error) {
	order, err := g.decodeOrder(params["Signed_Order_B64"])
	if err != nil {
		return nil, err
	}
	number := order.Merchant.Order.OrderID

	// a resubmitted order gets the recorded answer
	g.mu.RLock()
	if out, ok := g.outcomes[number]; ok {
		g.mu.RUnlock()
		return out, nil
	}
	g.mu.RUnlock()

	if g.opts.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.opts.Latency):
		}
	}

	chance := g.opts.Chance()
	var out *Outcome
	switch {
	case chance < 70:
		out, err = g.approve(order, ResultApproved, params["email"])
	case chance < 90:
		out, err = g.decline(order, "Card declined")
	default:
		out, err = g.approve(order, ResultDuplicated, params["email"])
	}
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.outcomes[number]; ok {
		return prev, nil
	}
	g.outcomes[number] = out
	return out, nil
}

func (g *gateway) Status(ctx context.Context, orderNumber string) (*Outcome, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out, ok := g.outcomes[orderNumber]
	return out, ok
}

func (g *gateway) decodeOrder(b64 string) (*epay.SignedOrder, error) {
	if b64 == "" {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "form lacks Signed_Order_B64")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, domain.Wrap(domain.CodeFormat, err, "Signed_Order_B64 is not base64")
	}
	order, err := g.codec.ParseOrder(raw)
	if err != nil {
		return nil, err
	}
	if err := g.merchant.Verify(order.Signed, order.Signature); err != nil {
		return nil, err
	}
	return order, nil
}

func (g *gateway) nextReference() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return "REF-" + strconv.Itoa(g.seq)
}

func (g *gateway) approve(order *epay.SignedOrder, result Result, email string) (*Outcome, error) {
	ref := g.nextReference()
	doc := ResponseFor(order.Merchant, ref, g.codec.FormatTime(g.opts.Now()))
	doc.Customer.Mail = email
	raw, err := SignResponse(g.signer, doc)
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		OrderNumber: order.Merchant.Order.OrderID,
		Result:      result,
		Reference:   ref,
		Postbacks:   [][]byte{raw},
	}
	if result == ResultDuplicated {
		out.Postbacks = append(out.Postbacks, raw)
	}
	return out, nil
}

func (g *gateway) decline(order *epay.SignedOrder, message string) (*Outcome, error) {
	doc := epay.FailureDoc{
		OrderID: order.Merchant.Order.OrderID,
		Error: epay.ErrorDoc{
			Type:    "auth",
			Time:    g.codec.FormatTime(g.opts.Now()),
			Code:    "05",
			Message: message,
		},
		Session: epay.SessionDoc{ID: fmt.Sprintf("%x", g.opts.Now().UnixNano())},
	}
	raw, err := SignFailure(g.signer, doc)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		OrderNumber: doc.OrderID,
		Result:      ResultDeclined,
		Failures:    [][]byte{raw},
	}, nil
}

// ResponseFor builds an approving payment response echoing the merchant element.
func ResponseFor(m epay.MerchantDoc, reference, timestamp string) epay.BankDoc {
	return epay.BankDoc{
		Name: "Kazkommertsbank JSC",
		Customer: epay.CustomerDoc{
			Name:         "Card Holder",
			Merchant:     m,
			MerchantSign: epay.SignDoc{Type: "RSA"},
		},
		CustomerSign: epay.SignDoc{Type: "RSA"},
		Results: epay.ResultsDoc{
			Timestamp: timestamp,
			Payment: epay.PaymentDoc{
				MerchantID:   m.Order.Department.MerchantID,
				Card:         "440564-XX-XXXX-6150",
				Amount:       m.Order.Amount,
				Reference:    reference,
				ApprovalCode: "730190",
				ResponseCode: "00",
				Secure:       "No",
				CardBin:      "KAZ",
			},
		},
	}
}

// SignResponse renders and signs a payment response the way the gateway does.
func SignResponse(s *epay.Signer, doc epay.BankDoc) ([]byte, error) {
	signed, err := epay.CanonicalBytes(doc)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(signed)
	if err != nil {
		return nil, err
	}
	return epay.BankEnvelope(signed, s.CertID(), sig), nil
}

func SignFailure(s *epay.Signer, doc epay.FailureDoc) ([]byte, error) {
	signed, err := epay.CanonicalBytes(doc)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(signed)
	if err != nil {
		return nil, err
	}
	return epay.BankEnvelope(signed, s.CertID(), sig), nil
}
