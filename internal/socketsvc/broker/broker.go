package broker

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
)

type Broker struct {
	Conn         *nats.Conn
	SendToMember func(string, *comm.WSMessage) int
}

func NewBroker(conn *nats.Conn, fncSendToMember func(string, *comm.WSMessage) int) *Broker {
	return &Broker{
		Conn:         conn,
		SendToMember: fncSendToMember,
	}
}

// every socket instance needs every event, so no queue group here
func (b *Broker) Subscribe(topic string) (*nats.Subscription, error) {
	sub, err := b.Conn.Subscribe(topic, b.handleMessages)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) handleMessages(msgNats *nats.Msg) {
	ev := comm.NotifyEvent{}
	if err := json.Unmarshal(msgNats.Data, &ev); err != nil {
		log.Errorf("Error %s", err)
		return
	}
	b.Relay(ev)
}

// Relay tells the recipient's open screens to reload their state.
func (b *Broker) Relay(ev comm.NotifyEvent) int {
	n := ev.Notification
	data, err := json.Marshal(comm.RefreshData{
		Event: n.Event,
		Title: n.Title,
		Body:  n.Body,
		Data:  n.Data,
	})
	if err != nil {
		log.Errorf("Error %s", err)
		return 0
	}

	sent := b.SendToMember(n.RecipientID, &comm.WSMessage{Type: "refresh", Data: data})
	if sent > 0 {
		log.Debugf("relayed %s to %d sockets of member %s", n.Event, sent, n.RecipientID)
	}
	return sent
}
