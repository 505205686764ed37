package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"epay-reconciler/internal/config"
	"epay-reconciler/internal/database"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/infrastructure/keystore"
	"epay-reconciler/internal/notify"
	"epay-reconciler/internal/repo"
	"epay-reconciler/internal/server"
	"epay-reconciler/internal/service"
	"epay-reconciler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string, keys keystore.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, keys)
		},
	}
}

func runServe(ctx context.Context, configPath string, keys keystore.Loader) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	material, err := keys.Load(cfg.KeyStore)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"merchant_cert": keystore.CertID(material.SigningCert),
		"bank_cert":     keystore.CertID(material.CounterpartyCert),
		"algorithm":     cfg.Algorithm,
	}).Info("trust material loaded")

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := repo.NewStore(db.DB())
	svc, err := newEpayment(cfg, material, store, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: server.New(svc, db, server.Options{
			CORSOrigins:   cfg.HTTP.CORSOrigins,
			PostbackRate:  cfg.HTTP.PostbackRate,
			PostbackBurst: cfg.HTTP.PostbackBurst,
		}, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	dispatcher := worker.NewOutboxDispatcher(store, notify.NewLogNotifier(logger), cfg.Outbox.Interval, cfg.Outbox.Batch, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	return g.Wait()
}

func newEpayment(cfg *config.Config, material *keystore.Material, store repo.Store, logger logrus.FieldLogger) (service.Epayment, error) {
	orderGen, err := service.NewSnowflakeGenerator(cfg.NodeID, "")
	if err != nil {
		return nil, err
	}
	invoiceGen, err := service.NewSnowflakeGenerator(cfg.NodeID, "INV-")
	if err != nil {
		return nil, err
	}

	codec := epay.NewCodec(cfg.Location)
	issuer := service.NewOrderIssuer(store, epay.NewSigner(material, cfg.Algorithm), orderGen, cfg.Gateway, time.Now, logger)
	validator := service.NewPostbackValidator(store.Orders(), codec, epay.NewVerifier(material.CounterpartyCert, cfg.Algorithm))
	reconciler := service.NewReconciler(store, time.Now, logger)

	return service.NewEpayment(store, issuer, validator, reconciler, invoiceGen, service.EpaymentConfig{
		PaymentURIPattern: cfg.PaymentURIPattern,
		DefaultURIs:       cfg.URIs,
	}, time.Now, logger), nil
}
