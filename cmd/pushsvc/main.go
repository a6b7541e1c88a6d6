package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/ohgo-stamp-services/configs"
	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	nats "github.com/avvvet/ohgo-stamp-services/internal/nats"
	"github.com/avvvet/ohgo-stamp-services/internal/pushsvc/broker"
	pushcfg "github.com/avvvet/ohgo-stamp-services/internal/pushsvc/config"
	"github.com/avvvet/ohgo-stamp-services/internal/pushsvc/push"
	"github.com/avvvet/ohgo-stamp-services/internal/pushsvc/telegram"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/db"
)

const SERVICE_NAME = "push"

func init() {
	config.Logging(SERVICE_NAME + "_service")
	config.LoadEnv(SERVICE_NAME)
	config.CreateUniqueInstance(SERVICE_NAME)
}

func main() {
	cfg, err := pushcfg.Load()
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

	var staff push.StaffAlerter
	if tg := telegram.FromEnv(cfg.TelegramToken, cfg.TelegramChatIDs); tg != nil {
		staff = tg
	}
	dispatcher := push.NewDispatcher(st, push.NewExpoClient(cfg.ExpoHost), staff)

	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME + "_service")
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	b := broker.NewBroker(n.Conn, dispatcher)
	sub, err := b.QueueSubscribe(comm.SubjectNotify, "push")
	if err != nil {
		log.Fatalf("Error: unable to subscribe to queue %v", err)
	}
	log.Infof("%s service consuming %s", SERVICE_NAME, comm.SubjectNotify)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	// let in-flight deliveries finish before closing the store
	if err := sub.Drain(); err != nil {
		log.Warnf("drain subscription: %v", err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
