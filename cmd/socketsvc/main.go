package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/ohgo-stamp-services/configs"
	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	"github.com/avvvet/ohgo-stamp-services/internal/nats"

	"github.com/avvvet/ohgo-stamp-services/internal/socketsvc/broker"
	"github.com/avvvet/ohgo-stamp-services/internal/socketsvc/routes"
	"github.com/avvvet/ohgo-stamp-services/internal/socketsvc/ws"
)

const SERVICE_NAME = "socket"

func init() {
	config.Logging(SERVICE_NAME + "_service")
	config.LoadEnv(SERVICE_NAME)
	config.CreateUniqueInstance(SERVICE_NAME)
}

func main() {
	jwtKey := os.Getenv("JWT_SECRET_KEY")
	if jwtKey == "" {
		log.Fatal("JWT_SECRET_KEY is required")
	}

	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME + "_service")
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}

	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(c.Handler)

	// to protect the service api from any over requests
	rateLimit, err := strconv.Atoi(os.Getenv("RATE_LIMIT"))
	if err != nil {
		rateLimit = 100
	}
	r.Use(httprate.LimitByIP(rateLimit, 1*time.Minute))

	// Initialize websocket handler
	s := ws.NewWs(jwtauth.New("HS256", []byte(jwtKey), nil))

	// Initialize routes
	routes.SetRoutes(r, s, config.AllowedOrigins()...)

	// Initialize broker, s.SendToMember is injected so the broker can reach sockets
	b := broker.NewBroker(n.Conn, s.SendToMember)

	// subscribe to stamp service events
	sub, err := b.Subscribe(comm.SubjectNotify)
	if err != nil {
		log.Fatalf("Error: unable to subscribe %v", err)
	}

	port := os.Getenv("SOCKET_SERVICE_PORT")
	if port == "" {
		port = "8090"
	}

	// Create server with timeout settings
	server := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
