package epay

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"epay-reconciler/internal/domain"
)

const (
	rootElement      = "document"
	timestampLayout  = "2006-01-02 15:04:05"
	merchantSignType = "RSA"
	bankSignType     = "SHA/RSA"
)

// DefaultLocation is the gateway's wall clock (Almaty, UTC+5).
var DefaultLocation = time.FixedZone("ALMT", 5*60*60)

// Codec converts gateway documents to and from their wire form. Signed
// content is always handled as the exact bytes of the signed element.
type Codec struct {
	loc *time.Location
}

func NewCodec(loc *time.Location) *Codec {
	if loc == nil {
		loc = DefaultLocation
	}
	return &Codec{loc: loc}
}

// CanonicalBytes renders a signable element deterministically: attributes in
// declaration order, no whitespace, no XML declaration.
func CanonicalBytes(doc any) ([]byte, error) {
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, domain.Wrap(domain.CodeFormat, err, "marshal %T", doc)
	}
	return out, nil
}

// FormatAmount renders an amount without trailing zeros.
func FormatAmount(d decimal.Decimal) string {
	return d.String()
}

func (c *Codec) FormatTime(t time.Time) string {
	return t.In(c.loc).Format(timestampLayout)
}

func (c *Codec) parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timestampLayout, s, c.loc)
}

// MerchantEnvelope wraps merchant signed bytes into a document.
func MerchantEnvelope(signed, signature []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<" + rootElement + ">")
	b.Write(signed)
	fmt.Fprintf(&b, `<merchant_sign type="%s">%s</merchant_sign>`, merchantSignType, encodeSignature(signature))
	b.WriteString("</" + rootElement + ">")
	return b.Bytes()
}

// BankEnvelope wraps bank signed bytes into a document.
func BankEnvelope(signed []byte, certID string, signature []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<" + rootElement + ">")
	b.Write(signed)
	fmt.Fprintf(&b, `<bank_sign cert_id="%s" type="%s">%s</bank_sign>`, certID, bankSignType, encodeSignature(signature))
	b.WriteString("</" + rootElement + ">")
	return b.Bytes()
}

type envelope struct {
	XMLName      xml.Name `xml:"document"`
	MerchantSign *SignDoc `xml:"merchant_sign"`
	BankSign     *SignDoc `xml:"bank_sign"`
}

// open parses the document root, extracts the signed child element and
// decodes it into doc. Fields are always read from the signed bytes so that
// nothing outside the signature can influence the result.
func open(raw []byte, child string, doc any) (*envelope, []byte, error) {
	var env envelope
	if err := unmarshal(raw, &env); err != nil {
		return nil, nil, err
	}
	signed, err := rawChild(raw, child)
	if err != nil {
		return nil, nil, err
	}
	if err := unmarshal(signed, doc); err != nil {
		return nil, nil, err
	}
	return &env, signed, nil
}

func signature(s *SignDoc, name string) ([]byte, error) {
	if s == nil || strings.TrimSpace(s.Value) == "" {
		return nil, domain.Errorf(domain.CodeFormat, "document lacks %s", name)
	}
	return decodeSignature(s.Value)
}

// ParseOrder parses a signed order document as issued to the gateway.
func (c *Codec) ParseOrder(raw []byte) (*SignedOrder, error) {
	var m MerchantDoc
	env, signed, err := open(raw, "merchant", &m)
	if err != nil {
		return nil, err
	}
	if m.Order.OrderID == "" {
		return nil, domain.Errorf(domain.CodeFormat, "order document lacks order_id")
	}
	sig, err := signature(env.MerchantSign, "merchant_sign")
	if err != nil {
		return nil, err
	}
	return &SignedOrder{Merchant: m, Signed: signed, Signature: sig}, nil
}

// ParseCart parses a signed appendix document.
func (c *Codec) ParseCart(raw []byte) (*SignedCart, error) {
	var cart CartDoc
	env, signed, err := open(raw, "cart", &cart)
	if err != nil {
		return nil, err
	}
	sig, err := signature(env.MerchantSign, "merchant_sign")
	if err != nil {
		return nil, err
	}
	return &SignedCart{Cart: cart, Signed: signed, Signature: sig}, nil
}

// ParsePaymentResponse parses a payment postback. Any missing required
// element is a FORMAT error.
func (c *Codec) ParsePaymentResponse(raw []byte) (*PaymentResponse, error) {
	var bank BankDoc
	env, signed, err := open(raw, "bank", &bank)
	if err != nil {
		return nil, err
	}
	sig, err := signature(env.BankSign, "bank_sign")
	if err != nil {
		return nil, err
	}
	if bank.Customer.Merchant.Order.OrderID == "" {
		return nil, domain.Errorf(domain.CodeFormat, "response lacks order_id")
	}
	if bank.Results.Payment.Reference == "" {
		return nil, domain.Errorf(domain.CodeFormat, "response lacks payment reference")
	}
	if bank.Results.Timestamp == "" {
		return nil, domain.Errorf(domain.CodeFormat, "response lacks results timestamp")
	}
	ts, err := c.parseTime(bank.Results.Timestamp)
	if err != nil {
		return nil, domain.Wrap(domain.CodeFormat, err, "results timestamp %q", bank.Results.Timestamp)
	}
	amount, err := decimal.NewFromString(bank.Results.Payment.Amount)
	if err != nil {
		return nil, domain.Wrap(domain.CodeFormat, err, "payment amount %q", bank.Results.Payment.Amount)
	}
	return &PaymentResponse{
		Raw:        raw,
		Signed:     signed,
		Signature:  sig,
		BankCertID: env.BankSign.CertID,
		Bank:       bank,
		Amount:     amount,
		Timestamp:  ts,
	}, nil
}

// ParseFailure parses a failure notification.
func (c *Codec) ParseFailure(raw []byte) (*FailureResponse, error) {
	var f FailureDoc
	env, signed, err := open(raw, "response", &f)
	if err != nil {
		return nil, err
	}
	sig, err := signature(env.BankSign, "bank_sign")
	if err != nil {
		return nil, err
	}
	if f.OrderID == "" {
		return nil, domain.Errorf(domain.CodeFormat, "failure lacks order_id")
	}
	var at time.Time
	if f.Error.Time != "" {
		at, err = c.parseTime(f.Error.Time)
		if err != nil {
			return nil, domain.Wrap(domain.CodeFormat, err, "error time %q", f.Error.Time)
		}
	}
	return &FailureResponse{
		Raw:        raw,
		Signed:     signed,
		Signature:  sig,
		BankCertID: env.BankSign.CertID,
		Failure:    f,
		Time:       at,
	}, nil
}

func unmarshal(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.Errorf(domain.CodeFormat, "document is empty")
	}
	if err := xml.Unmarshal(raw, v); err != nil {
		return domain.Wrap(domain.CodeFormat, err, "malformed document")
	}
	return nil
}

// rawChild returns the exact bytes of the direct child of the root element
// named name, from its start tag through its end tag. The child must occur
// exactly once.
func rawChild(data []byte, name string) ([]byte, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	start := int64(-1)
	var found []byte
	for {
		off := d.InputOffset()
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Wrap(domain.CodeFormat, err, "malformed document")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 && t.Name.Local != rootElement {
				return nil, domain.Errorf(domain.CodeFormat, "unexpected root element <%s>", t.Name.Local)
			}
			if depth == 2 && t.Name.Local == name {
				if found != nil {
					return nil, domain.Errorf(domain.CodeFormat, "document has more than one <%s>", name)
				}
				start = off
			}
		case xml.EndElement:
			if depth == 2 && start >= 0 && t.Name.Local == name {
				found = data[start:d.InputOffset()]
				start = -1
			}
			depth--
		}
	}
	if found == nil {
		return nil, domain.Errorf(domain.CodeFormat, "document lacks <%s>", name)
	}
	return found, nil
}

// The gateway transmits RSA signatures little-endian.
func encodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(reversed(sig))
}

func decodeSignature(s string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, domain.Wrap(domain.CodeFormat, err, "signature is not base64")
	}
	if len(sig) == 0 {
		return nil, domain.Errorf(domain.CodeFormat, "signature is empty")
	}
	return reversed(sig), nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
