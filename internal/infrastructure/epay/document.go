package epay

import (
	"encoding/xml"
	"time"

	"github.com/shopspring/decimal"
)

// MerchantDoc is the signed part of the order document. The same element is
// echoed back by the gateway inside the payment response.
type MerchantDoc struct {
	XMLName xml.Name `xml:"merchant"`
	CertID  string   `xml:"cert_id,attr"`
	Name    string   `xml:"name,attr"`
	Order   OrderDoc `xml:"order"`
}

type OrderDoc struct {
	OrderID    string        `xml:"order_id,attr"`
	Amount     string        `xml:"amount,attr"`
	Currency   string        `xml:"currency,attr"`
	Department DepartmentDoc `xml:"department"`
}

type DepartmentDoc struct {
	MerchantID string `xml:"merchant_id,attr"`
	Amount     string `xml:"amount,attr"`
}

// CartDoc is the signed part of the appendix document.
type CartDoc struct {
	XMLName xml.Name   `xml:"cart"`
	OrderID string     `xml:"order_id,attr"`
	Items   []CartItem `xml:"item"`
}

type CartItem struct {
	Number   int    `xml:"number,attr"`
	Name     string `xml:"name,attr"`
	Quantity int    `xml:"quantity,attr"`
	Amount   string `xml:"amount,attr"`
}

type SignDoc struct {
	Type   string `xml:"type,attr"`
	CertID string `xml:"cert_id,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// BankDoc is the signed part of a payment response.
type BankDoc struct {
	XMLName      xml.Name    `xml:"bank"`
	Name         string      `xml:"name,attr"`
	Customer     CustomerDoc `xml:"customer"`
	CustomerSign SignDoc     `xml:"customer_sign"`
	Results      ResultsDoc  `xml:"results"`
}

type CustomerDoc struct {
	Name         string      `xml:"name,attr"`
	Mail         string      `xml:"mail,attr"`
	Phone        string      `xml:"phone,attr"`
	Merchant     MerchantDoc `xml:"merchant"`
	MerchantSign SignDoc     `xml:"merchant_sign"`
}

type ResultsDoc struct {
	Timestamp string     `xml:"timestamp,attr"`
	Payment   PaymentDoc `xml:"payment"`
}

type PaymentDoc struct {
	MerchantID   string `xml:"merchant_id,attr"`
	Card         string `xml:"card,attr"`
	Amount       string `xml:"amount,attr"`
	Reference    string `xml:"reference,attr"`
	ApprovalCode string `xml:"approval_code,attr"`
	ResponseCode string `xml:"response_code,attr"`
	Secure       string `xml:"Secure,attr"`
	CardBin      string `xml:"card_bin,attr"`
	CHash        string `xml:"c_hash,attr"`
}

// FailureDoc is the signed part of a failure notification.
type FailureDoc struct {
	XMLName xml.Name   `xml:"response"`
	OrderID string     `xml:"order_id,attr"`
	Error   ErrorDoc   `xml:"error"`
	Session SessionDoc `xml:"session"`
}

type ErrorDoc struct {
	Type    string `xml:"type,attr"`
	Time    string `xml:"time,attr"`
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type SessionDoc struct {
	ID string `xml:"id,attr"`
}

// SignedOrder is a parsed outbound order document.
type SignedOrder struct {
	Merchant  MerchantDoc
	Signed    []byte
	Signature []byte
}

// SignedCart is a parsed appendix document.
type SignedCart struct {
	Cart      CartDoc
	Signed    []byte
	Signature []byte
}

// PaymentResponse is a parsed payment postback.
type PaymentResponse struct {
	Raw        []byte
	Signed     []byte
	Signature  []byte
	BankCertID string

	Bank      BankDoc
	Amount    decimal.Decimal
	Timestamp time.Time
}

func (r *PaymentResponse) OrderNumber() string { return r.Bank.Customer.Merchant.Order.OrderID }
func (r *PaymentResponse) Reference() string   { return r.Bank.Results.Payment.Reference }
func (r *PaymentResponse) Merchant() MerchantDoc {
	return r.Bank.Customer.Merchant
}

// FailureResponse is a parsed failure notification.
type FailureResponse struct {
	Raw        []byte
	Signed     []byte
	Signature  []byte
	BankCertID string

	Failure FailureDoc
	Time    time.Time
}

func (f *FailureResponse) OrderNumber() string { return f.Failure.OrderID }
func (f *FailureResponse) Message() string     { return f.Failure.Error.Message }
