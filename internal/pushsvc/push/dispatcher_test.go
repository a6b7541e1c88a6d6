package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

type fakeStaff struct {
	alerts []string
}

func (f *fakeStaff) Alert(text string) { f.alerts = append(f.alerts, text) }

func event(recipient string, kind models.NotificationEvent, data map[string]string) comm.NotifyEvent {
	return comm.NotifyEvent{
		ID: "ev",
		Notification: models.Notification{
			RecipientID: recipient,
			Event:       kind,
			Title:       "title",
			Body:        "body",
			Data:        data,
		},
		Timestamp: time.Now(),
	}
}

func TestDispatcherSendsToPushToken(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(models.Member{ID: "m1", Name: "Kim", Role: models.RoleMember, PushToken: "ExponentPushToken[m1]"})
	sender := &fakeSender{}
	d := NewDispatcher(st, sender, nil)

	err := d.Handle(context.Background(), event("m1", models.EventStampAdded, map[string]string{"screen": "stamp"}))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ExponentPushToken[m1]", sender.sent[0].To)
	assert.Equal(t, "stamp", sender.sent[0].Data["screen"])
}

func TestDispatcherSkipsMembersWithoutToken(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(models.Member{ID: "m1", Name: "Kim", Role: models.RoleMember})
	sender := &fakeSender{}
	d := NewDispatcher(st, sender, nil)

	err := d.Handle(context.Background(), event("m1", models.EventCouponUsed, nil))
	assert.ErrorIs(t, err, ErrNoPushToken)
	assert.Empty(t, sender.sent)

	err = d.Handle(context.Background(), event("gone", models.EventCouponUsed, nil))
	assert.NoError(t, err)
}

func TestDispatcherReportsSendFailure(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(models.Member{ID: "m1", PushToken: "tok"})
	d := NewDispatcher(st, &fakeSender{err: errors.New("expo down")}, nil)

	err := d.Handle(context.Background(), event("m1", models.EventStampAdded, nil))
	assert.Error(t, err)
}

func TestDispatcherAlertsStaffOnce(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed(models.Member{ID: "a1", Role: models.RoleAdmin, PushToken: "t1"})
	st.Seed(models.Member{ID: "a2", Role: models.RoleAdmin, PushToken: "t2"})
	staff := &fakeStaff{}
	sender := &fakeSender{}
	d := NewDispatcher(st, sender, staff)

	data := map[string]string{"screen": "member-detail", "member_id": "m1"}
	require.NoError(t, d.Handle(context.Background(), event("a1", models.EventCouponRequested, data)))
	require.NoError(t, d.Handle(context.Background(), event("a2", models.EventCouponRequested, data)))

	assert.Len(t, sender.sent, 2)
	assert.Equal(t, []string{"title\nbody"}, staff.alerts)

	require.NoError(t, d.Handle(context.Background(), event("a1", models.EventCouponUsed, nil)))
	assert.Len(t, staff.alerts, 1)
}
