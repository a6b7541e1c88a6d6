package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

// Broker hands committed notifications to the push and socket services over NATS.
type Broker struct {
	Conn       *nats.Conn
	InstanceId string
	Subject    string
}

func NewBroker(nc *nats.Conn, instanceId string) *Broker {
	return &Broker{
		Conn:       nc,
		InstanceId: instanceId,
		Subject:    comm.SubjectNotify,
	}
}

// Notify implements service.Notifier.
func (b *Broker) Notify(ctx context.Context, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(comm.NotifyEvent{
		ID:           uuid.NewString(),
		InstanceId:   b.InstanceId,
		Notification: n,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return b.Publish(b.Subject, payload)
}

func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
