package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/bank"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/infrastructure/keystore"
	"epay-reconciler/internal/notify"
	"epay-reconciler/internal/repo/memory"
	"epay-reconciler/internal/service"
	"epay-reconciler/internal/worker"
)

const invoices = 20

func main() {
	ctx := context.Background()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	merchant, err := newIdentity("merchant")
	if err != nil {
		log.Fatalf("merchant identity: %v", err)
	}
	kkb, err := newIdentity("kkb")
	if err != nil {
		log.Fatalf("bank identity: %v", err)
	}

	store := memory.NewStore()
	svc := newEpayment(store, merchant, kkb, logger)
	gateway := bank.NewGateway(&keystore.Material{
		SigningKey:  kkb.Key,
		SigningCert: kkb.Cert,
	}, merchant.Cert, epay.SHA1WithRSA, bank.Options{Latency: 20 * time.Millisecond})

	fmt.Printf("--- STARTING SIMULATION (%d INVOICES) ---\n", invoices)
	for i := 0; i < invoices; i++ {
		// 1. Accept
		inv, err := svc.AcceptInvoice(ctx, domain.NewInvoice().
			WithAmount(decimal.NewFromInt(int64(500+rand.IntN(50)*100)), domain.CurrencyKZT).
			WithConsumer(fmt.Sprintf("Consumer %d", i+1), fmt.Sprintf("consumer%d@example.com", i+1), domain.LanguageRussian))
		if err != nil {
			log.Printf("Accept Failed: %v", err)
			continue
		}

		// 2. Issue the signed order and post the form to the bank
		order, form, err := svc.IssueOrder(ctx, inv)
		if err != nil {
			log.Printf("Issue Failed: %v", err)
			continue
		}
		fmt.Printf("[%d] Invoice %s (%s %s) -> order %s ... ", i+1, inv.Number, inv.Amount, inv.Currency, order.Number)
		out, err := gateway.Submit(ctx, form.Params)
		if err != nil {
			fmt.Printf("REJECTED: %v\n", err)
			continue
		}
		fmt.Printf("%s\n", out.Result)

		// 3. Deliver whatever the bank sends back, duplicates included
		for _, raw := range out.Postbacks {
			_, err := svc.HandlePostback(ctx, raw)
			fmt.Printf("    -> postback %s: %s\n", out.Reference, outcome(err))
		}
		for _, raw := range out.Failures {
			_, err := svc.HandleFailure(ctx, raw)
			fmt.Printf("    -> failure: %s\n", outcome(err))
		}

		fresh, err := svc.InvoiceByNumber(ctx, inv.Number)
		if err != nil {
			log.Printf("Lookup Failed: %v", err)
			continue
		}
		fmt.Printf("    -> DB Status: %s\n", fresh.Status)
		fmt.Println("---------------------------------------------------")
		time.Sleep(50 * time.Millisecond)
	}

	fmt.Println("--- DELIVERING NOTIFICATIONS ---")
	logger.SetLevel(logrus.InfoLevel)
	dispatcher := worker.NewOutboxDispatcher(store, notify.NewLogNotifier(logger), 200*time.Millisecond, 10, logger)
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = dispatcher.Run(runCtx)

	pending := 0
	for _, evt := range store.OutboxEvents() {
		if evt.PublishedAt == nil {
			pending++
		}
	}
	fmt.Printf("Payments registered: %d, notifications pending: %d\n", store.PaymentCount(), pending)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "APPLIED"
	case errors.Is(err, domain.ErrAlreadyProcessed):
		return "ALREADY PROCESSED"
	}
	return fmt.Sprintf("%s (%v)", domain.CodeOf(err), err)
}

func newEpayment(store *memory.Store, merchant, kkb identity, logger logrus.FieldLogger) service.Epayment {
	material := &keystore.Material{
		SigningKey:       merchant.Key,
		SigningCert:      merchant.Cert,
		CounterpartyCert: kkb.Cert,
	}
	codec := epay.NewCodec(nil)
	issuer := service.NewOrderIssuer(store, epay.NewSigner(material, epay.SHA1WithRSA), service.NewSequenceGenerator("%06d"), service.GatewayConfig{
		MerchantID:   "92061101",
		MerchantName: "Simulated Shop",
		BankURL:      "https://epay.kkb.kz/jsp/process/logon.jsp",
		Template:     "default.xsl",
		OrderTTL:     24 * time.Hour,
	}, nil, logger)
	validator := service.NewPostbackValidator(store.Orders(), codec, epay.NewVerifier(kkb.Cert, epay.SHA1WithRSA))
	reconciler := service.NewReconciler(store, nil, logger)

	return service.NewEpayment(store, issuer, validator, reconciler, service.NewSequenceGenerator("INV-%04d"), service.EpaymentConfig{
		PaymentURIPattern: "https://shop.example.com/pay/@INVOICE_NUMBER@?lang=@LANG@",
		DefaultURIs: service.FormURIs{
			Postback: "https://shop.example.com/epay/postback",
			Failure:  "https://shop.example.com/epay/failure",
			Return:   "https://shop.example.com/",
		},
	}, nil, logger)
}
