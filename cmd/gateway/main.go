// Command gateway runs the DICOMweb-to-DIMSE bridge: an HTTP server
// serving QIDO-RS/WADO-RS/STOW-RS/management endpoints, and one store-SCP
// listener per configured DIMSE listener, all sharing a move mediator
// (§4, §5).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-connector/internal/adapters"
	"github.com/otcheredev/ris-dicom-connector/internal/config"
	"github.com/otcheredev/ris-dicom-connector/internal/handlers"
	"github.com/otcheredev/ris-dicom-connector/internal/mediator"
	"github.com/otcheredev/ris-dicom-connector/internal/metrics"
	"github.com/otcheredev/ris-dicom-connector/internal/middleware"
	"github.com/otcheredev/ris-dicom-connector/internal/scp"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
	"github.com/otcheredev/ris-dicom-connector/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger.Init(cfg.Telemetry.LogLevel)
	log.Info().Str("config", *configPath).Msg("starting DICOM gateway")

	move := mediator.New(mediator.Config{
		Mode:         wadoMediatorMode(cfg),
		StallTimeout: 2 * time.Minute,
	})

	adapterFactory := adapters.NewFactory(cfg, move)
	defer adapterFactory.CloseAll()
	prometheus.MustRegister(metrics.NewPoolCollector(adapterFactory))

	listeners := make([]*scp.Listener, 0, len(cfg.Server.Listeners))
	for _, lcfg := range cfg.Server.Listeners {
		policy := dimse.PolicyBroad
		if lcfg.UncompressedOnly {
			policy = dimse.PolicyUncompressedOnly
		}
		l := scp.New(scp.Config{
			Addr:             fmt.Sprintf("%s:%d", lcfg.Interface, lcfg.Port),
			AETitle:          lcfg.AET,
			NotifiableAETs:   lcfg.NotifyAETs,
			TransferSyntaxes: dimse.TransferSyntaxesFor(policy),
		}, move)
		listeners = append(listeners, l)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, l := range listeners {
		l := l
		go func() {
			if err := l.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("store-SCP listener stopped")
			}
		}()
	}

	healthHandler := handlers.NewHealthHandler()
	dicomwebHandler := handlers.NewDICOMWebHandler(adapterFactory)
	managementHandler := handlers.NewManagementHandler(cfg, adapterFactory)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Compress(5))
	r.Use(chimiddleware.Timeout(cfg.Server.HTTP.RequestTimeout()))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/aets", func(r chi.Router) {
		r.Get("/", managementHandler.ListAETs)
		r.Route("/{aet}", func(r chi.Router) {
			r.Get("/", managementHandler.GetAETStatus)
			r.Get("/pool-stats", managementHandler.GetPoolStats)

			r.Get("/studies", dicomwebHandler.SearchStudies)
			r.Get("/series", dicomwebHandler.SearchSeries)
			r.Get("/instances", dicomwebHandler.SearchInstances)
			r.Get("/studies/{studyUID}/series", dicomwebHandler.SearchSeries)
			r.Get("/studies/{studyUID}/instances", dicomwebHandler.SearchInstances)
			r.Get("/studies/{studyUID}/series/{seriesUID}/instances", dicomwebHandler.SearchInstances)

			r.Get("/studies/{studyUID}/metadata", dicomwebHandler.GetStudyMetadata)
			r.Get("/studies/{studyUID}", dicomwebHandler.RetrieveStudy)
			r.Get("/studies/{studyUID}/series/{seriesUID}", dicomwebHandler.RetrieveSeries)
			r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", dicomwebHandler.RetrieveInstance)

			r.Post("/studies", dicomwebHandler.StoreInstances)
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Interface, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.HTTP.RequestTimeout(),
		WriteTimeout: 0, // WADO-RS multipart streams can run long; bounded by request context instead
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.RequestTimeout())
	defer shutdownCancel()
	if cfg.Server.HTTP.GracefulShutdown {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server forced to shutdown")
		}
	} else {
		srv.Close()
	}

	for _, l := range listeners {
		if err := l.Close(); err != nil {
			log.Error().Err(err).Msg("error closing store-SCP listener")
		}
	}
	cancel()

	log.Info().Msg("gateway stopped")
}

func wadoMediatorMode(cfg *config.Config) mediator.Mode {
	for _, aet := range cfg.AETs {
		if aet.WADO.Mode == "sequential" {
			return mediator.ModeSequential
		}
	}
	return mediator.ModeConcurrent
}
