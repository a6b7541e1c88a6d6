package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	"github.com/avvvet/ohgo-stamp-services/internal/pushsvc/push"
)

type Broker struct {
	Conn       *nats.Conn
	Dispatcher *push.Dispatcher
	timeout    time.Duration
}

func NewBroker(nc *nats.Conn, d *push.Dispatcher) *Broker {
	return &Broker{
		Conn:       nc,
		Dispatcher: d,
		timeout:    15 * time.Second,
	}
}

// consume notifications from the stamp service; the queue group spreads them across instances
func (b *Broker) QueueSubscribe(topic, queueGroup string) (*nats.Subscription, error) {
	sub, err := b.Conn.QueueSubscribe(topic, queueGroup, b.handleMessage)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) handleMessage(msgNats *nats.Msg) {
	ev := comm.NotifyEvent{}
	if err := json.Unmarshal(msgNats.Data, &ev); err != nil {
		log.Errorf("Error decoding notify event %s", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	err := b.Dispatcher.Handle(ctx, ev)
	if err != nil && !errors.Is(err, push.ErrNoPushToken) {
		log.Errorf("Error delivering %s to %s: %s", ev.Notification.Event, ev.Notification.RecipientID, err)
	}
}
