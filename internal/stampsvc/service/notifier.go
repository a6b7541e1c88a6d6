package service

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

// Notifier delivers a notification to one member. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Dispatcher sends notifications in the background after a state change has been
// committed. Failures are logged and never reach the caller of the operation.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(n Notifier, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout}
}

func (d *Dispatcher) Dispatch(ns ...models.Notification) {
	if len(ns) == 0 {
		return
	}
	d.Go(func(context.Context) ([]models.Notification, error) {
		return ns, nil
	})
}

// Go runs build in the background and sends whatever it returns. build is where
// lookups that only matter for the message (names, admin lists) belong.
func (d *Dispatcher) Go(build func(ctx context.Context) ([]models.Notification, error)) {
	if d == nil || d.notifier == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		ns, err := build(ctx)
		if err != nil {
			log.Warnf("notification skipped: %v", err)
			return
		}
		for _, n := range ns {
			if err := d.notifier.Notify(ctx, n); err != nil {
				log.WithFields(log.Fields{
					"recipient": n.RecipientID,
					"event":     n.Event,
				}).Warnf("notification dropped: %v", err)
			}
		}
	}()
}

// Wait blocks until every notification started so far has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
