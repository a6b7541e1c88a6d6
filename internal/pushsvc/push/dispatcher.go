package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

var ErrNoPushToken = errors.New("member has no push token")

type MemberLookup interface {
	GetMember(ctx context.Context, memberID string) (*models.Member, error)
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// StaffAlerter mirrors captain-facing events to a staff channel.
type StaffAlerter interface {
	Alert(text string)
}

// Dispatcher turns NotifyEvents into device pushes.
type Dispatcher struct {
	members MemberLookup
	sender  Sender
	staff   StaffAlerter

	mu     sync.Mutex
	recent map[string]time.Time
}

func NewDispatcher(members MemberLookup, sender Sender, staff StaffAlerter) *Dispatcher {
	return &Dispatcher{
		members: members,
		sender:  sender,
		staff:   staff,
		recent:  make(map[string]time.Time),
	}
}

func (d *Dispatcher) Handle(ctx context.Context, ev comm.NotifyEvent) error {
	n := ev.Notification
	d.alertStaff(n)

	m, err := d.members.GetMember(ctx, n.RecipientID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warnf("push skipped, member %s no longer exists", n.RecipientID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup recipient %s: %w", n.RecipientID, err)
	}
	if m.PushToken == "" {
		log.WithField("member", m.ID).Warn("push skipped, notifications are off")
		return ErrNoPushToken
	}

	err = d.sender.Send(ctx, Message{
		To:    m.PushToken,
		Sound: "default",
		Title: n.Title,
		Body:  n.Body,
		Data:  n.Data,
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"member": m.ID, "event": n.Event}).Info("push sent")
	return nil
}

// alertStaff forwards captain alerts once, even though every admin gets a copy.
func (d *Dispatcher) alertStaff(n models.Notification) {
	if d.staff == nil {
		return
	}
	if n.Event != models.EventCouponRequested && n.Data["screen"] != "member-detail" {
		return
	}

	key := string(n.Event) + "|" + n.Data["member_id"] + "|" + n.Body
	now := time.Now()

	d.mu.Lock()
	for k, at := range d.recent {
		if now.Sub(at) > time.Minute {
			delete(d.recent, k)
		}
	}
	_, seen := d.recent[key]
	d.recent[key] = now
	d.mu.Unlock()

	if !seen {
		d.staff.Alert(n.Title + "\n" + n.Body)
	}
}
