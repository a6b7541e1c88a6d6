package service

import (
	"context"
	"fmt"
	"time"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

const dayLayout = "2006-01-02"

// writeTimeout bounds a store write once it no longer follows the caller's context.
const writeTimeout = 15 * time.Second

// detach keeps ctx's values but drops its cancellation: a write that has been
// submitted runs to completion even when the request is abandoned.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// Policy holds the accrual rules and the business calendar.
type Policy struct {
	Threshold     int
	ScanInterval  time.Duration
	StaffInterval time.Duration
	Location      *time.Location
	// QRPayload is the content of the QR code posted on the boat.
	QRPayload string
	Now       func() time.Time
}

func DefaultPolicy() Policy {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return Policy{
		Threshold:     10,
		ScanInterval:  6 * time.Hour,
		StaffInterval: time.Second,
		Location:      loc,
		QRPayload:     "https://codejaka01.cafe24.com/cj_ohgo/onBoarding",
		Now:           time.Now,
	}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Day formats t as a calendar day in the business time zone.
func (p Policy) Day(t time.Time) string {
	return t.In(p.location()).Format(dayLayout)
}

func (p Policy) interval(method models.StampMethod) (time.Duration, error) {
	switch method {
	case models.MethodScan:
		return p.ScanInterval, nil
	case models.MethodStaff:
		return p.StaffInterval, nil
	}
	return 0, invalidInput("unknown stamp method %q", method)
}

func (p Policy) validate() error {
	if p.Threshold < 1 {
		return fmt.Errorf("stamp threshold must be positive, got %d", p.Threshold)
	}
	if p.ScanInterval < 0 || p.StaffInterval < 0 {
		return fmt.Errorf("accrual intervals must not be negative")
	}
	return nil
}
