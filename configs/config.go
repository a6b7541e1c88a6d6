package config

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/joho/godotenv"
)

var InstanceId string

// LoadEnv loads ./.env when present; deployed containers pass env directly.
func LoadEnv(service string) {
	log.Infof("%s service configuration and env variables loading started ...", service)
	err := godotenv.Load("./.env")
	if err != nil {
		log.Warnf("no .env file loaded: %v", err)
		return
	}

	log.Info(".env file loaded.")
}

func CreateUniqueInstance(service string) string {
	id, err := uuid.NewV4() // instance identifier
	if err != nil {
		log.Errorf("error generating instanceId: %s", err)
		os.Exit(1)
	}
	InstanceId = id.String()
	log.Infof(service+" service with Instance ID: %s is ready", id)
	return id.String()
}

func GetInstanceId() string {
	return InstanceId
}

// AllowedOrigins reads the comma separated CORS_ORIGINS, defaulting to the Expo dev servers.
func AllowedOrigins() []string {
	v := os.Getenv("CORS_ORIGINS")
	if v == "" {
		return []string{"http://localhost:8081", "http://localhost:19006"}
	}
	var origins []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func CORS() *cors.Cors {
	corsOptions := cors.New(cors.Options{
		AllowedOrigins:   AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	return corsOptions
}

// Logging sends logs to .l_g/<service>.log, or stdout when LOG_TO_STDOUT is set.
// LOG_LEVEL and LOG_FORMAT=json tune the output.
func Logging(service string) {
	if os.Getenv("LOG_FORMAT") == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{})
	}

	level, err := log.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if os.Getenv("LOG_TO_STDOUT") != "" {
		log.SetOutput(os.Stdout)
		return
	}

	logFolder := ".l_g"
	if err := os.MkdirAll(logFolder, 0755); err != nil {
		log.Warnf("unable to create folder for log %s", err)
		return
	}

	file, err := os.OpenFile(filepath.Join(logFolder, service+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	log.SetOutput(file)

	log.Infof("log to file started for service: %s", service)
}

func CustomLoggerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.WithFields(log.Fields{
					"request_id": middleware.GetReqID(r.Context()),
				}).Printf("%s %s %s %d %s %s",
					r.Method,
					r.RequestURI,
					r.RemoteAddr,
					ww.Status(),
					http.StatusText(ww.Status()),
					time.Since(start),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
