package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/service"
)

const maxDocumentSize = 64 << 10

type acceptInvoiceRequest struct {
	Number        string          `json:"number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"required"`
	ConsumerName  string          `json:"consumerName"`
	ConsumerEmail string          `json:"consumerEmail"`
	Language      string          `json:"language"`
	ExternalID    string          `json:"externalId"`
	Purpose       string          `json:"purpose"`
}

type manualPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" binding:"required"`
	PaidAt    *time.Time      `json:"paidAt"`
	Reference string          `json:"reference"`
}

type invoiceResponse struct {
	Number           string               `json:"number"`
	Status           domain.InvoiceStatus `json:"status"`
	Amount           decimal.Decimal      `json:"amount"`
	Currency         domain.Currency      `json:"currency"`
	ConsumerName     string               `json:"consumerName,omitempty"`
	ConsumerEmail    string               `json:"consumerEmail,omitempty"`
	Language         domain.Language      `json:"language"`
	ExternalID       string               `json:"externalId,omitempty"`
	Purpose          string               `json:"purpose,omitempty"`
	PaidAt           *time.Time           `json:"paidAt,omitempty"`
	PaymentReference string               `json:"paymentReference,omitempty"`
	PaymentMethod    domain.PaymentMethod `json:"paymentMethod,omitempty"`
	PaymentURI       string               `json:"paymentUri,omitempty"`
}

type paymentFormResponse struct {
	OrderNumber string            `json:"orderNumber"`
	Form        *service.HTTPForm `json:"form"`
}

func (s *Server) toResponse(inv *domain.Invoice) invoiceResponse {
	out := invoiceResponse{
		Number:           inv.Number,
		Status:           inv.Status,
		Amount:           inv.Amount,
		Currency:         inv.Currency,
		ConsumerName:     inv.ConsumerName,
		ConsumerEmail:    inv.ConsumerEmail,
		Language:         inv.ConsumerLanguage,
		ExternalID:       inv.ExternalID,
		Purpose:          inv.Purpose,
		PaidAt:           inv.PaidAt,
		PaymentReference: inv.PaymentReference,
		PaymentMethod:    inv.PaymentMethod,
	}
	if uri, err := s.epayment.DefaultPaymentURI(inv); err == nil {
		out.PaymentURI = uri
	}
	return out
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.health.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func (s *Server) handleAcceptInvoice(c *gin.Context) {
	var req acceptInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, domain.Wrap(domain.CodeIllegalArgument, err, "invoice request"))
		return
	}
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		s.fail(c, err)
		return
	}
	var lang domain.Language
	if req.Language != "" {
		if lang, err = domain.ParseLanguage(req.Language); err != nil {
			s.fail(c, err)
			return
		}
	}

	inv, err := s.epayment.AcceptInvoice(c.Request.Context(), domain.NewInvoice().
		WithNumber(req.Number).
		WithAmount(req.Amount, currency).
		WithConsumer(req.ConsumerName, req.ConsumerEmail, lang).
		WithExternalID(req.ExternalID).
		WithPurpose(req.Purpose))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.toResponse(inv))
}

func (s *Server) handleInvoice(c *gin.Context) {
	inv, err := s.epayment.InvoiceByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.toResponse(inv))
}

func (s *Server) handlePaymentForm(c *gin.Context) {
	order, form, err := s.epayment.IssueOrderFor(c.Request.Context(), c.Param("number"), service.FormURIs{
		Postback: c.Query("postbackUrl"),
		Failure:  c.Query("failureUrl"),
		Return:   c.Query("returnUrl"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentFormResponse{OrderNumber: order.Number, Form: form})
}

func (s *Server) handleManualPayment(c *gin.Context) {
	var req manualPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, domain.Wrap(domain.CodeIllegalArgument, err, "payment request"))
		return
	}
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		s.fail(c, err)
		return
	}
	var paidAt time.Time
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}

	inv, err := s.epayment.CompleteWithUnknownPayment(c.Request.Context(), c.Param("number"), req.Amount, currency, paidAt, req.Reference)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.toResponse(inv))
}

func (s *Server) handleCancelInvoice(c *gin.Context) {
	inv, err := s.epayment.CancelInvoice(c.Request.Context(), c.Param("number"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.toResponse(inv))
}

func (s *Server) handlePostback(c *gin.Context) {
	raw, err := readDocument(c)
	if err == nil {
		_, err = s.epayment.HandlePostback(c.Request.Context(), raw)
	}
	s.acknowledge(c, err)
}

func (s *Server) handleFailure(c *gin.Context) {
	raw, err := readDocument(c)
	if err == nil {
		_, err = s.epayment.HandleFailure(c.Request.Context(), raw)
	}
	s.acknowledge(c, err)
}

// acknowledge answers a gateway callback. The gateway expects "0" once the
// document is taken care of; a state error means it already was.
func (s *Server) acknowledge(c *gin.Context, err error) {
	if err == nil || domain.KindOf(err) == domain.KindState {
		c.String(http.StatusOK, "0")
		return
	}
	c.String(statusOf(err), string(domain.CodeOf(err)))
}

// readDocument takes the gateway document from the "response" form field or,
// for other content types, from the raw body.
func readDocument(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentSize)
	switch c.ContentType() {
	case binding.MIMEPOSTForm, binding.MIMEMultipartPOSTForm:
		doc := c.PostForm("response")
		if doc == "" {
			return nil, domain.Errorf(domain.CodeFormat, "form field response is empty")
		}
		return []byte(doc), nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, domain.Wrap(domain.CodeFormat, err, "read document")
	}
	return raw, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{"path": c.FullPath(), "code": domain.CodeOf(err)}).WithError(err).Error("request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"code": domain.CodeOf(err), "error": msg})
}

func statusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInput:
		return http.StatusBadRequest
	case domain.KindAuthenticity:
		return http.StatusForbidden
	case domain.KindReference:
		if domain.CodeOf(err) == domain.CodeValidation {
			return http.StatusUnprocessableEntity
		}
		return http.StatusNotFound
	case domain.KindState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
