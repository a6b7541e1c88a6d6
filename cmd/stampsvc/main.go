package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/ohgo-stamp-services/configs"
	nats "github.com/avvvet/ohgo-stamp-services/internal/nats"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/broker"
	stampcfg "github.com/avvvet/ohgo-stamp-services/internal/stampsvc/config"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/db"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/handlers"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/service"
)

const SERVICE_NAME = "stamp"

var instanceId string

func init() {
	config.Logging(SERVICE_NAME + "_service")
	config.LoadEnv(SERVICE_NAME)
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
}

func main() {
	cfg, err := stampcfg.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, closeStore, err := db.OpenStore(ctx, cfg.StoreDriver, cfg.MongoURI, cfg.PostgresURL)
	cancel()
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer closeStore()

	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME + "_service")
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	notifications := service.NewDispatcher(broker.NewBroker(n.Conn, instanceId), cfg.NotifyTimeout)

	ledger, err := service.NewStampLedger(st, policy, notifications)
	if err != nil {
		log.Fatalf("Invalid stamp policy: %v", err)
	}
	identityService := service.NewIdentityService(st, policy)
	redemptionService := service.NewRedemptionService(st, policy, notifications)
	memberService := service.NewMemberService(st)

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(identityService, ledger, redemptionService, memberService)
	h.InitAuth(cfg.JWTSecret, cfg.TokenTTL)
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s with %s store", SERVICE_NAME, server.Addr, cfg.StoreDriver)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	notifications.Wait()
	if err := n.Conn.Flush(); err != nil {
		log.Warnf("nats flush: %v", err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
