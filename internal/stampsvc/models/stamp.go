package models

import (
	"fmt"
	"strings"
	"time"
)

type StampMethod string

const (
	MethodScan  StampMethod = "scan"
	MethodStaff StampMethod = "staff"
)

// ParseStampMethod accepts the stored values and the mobile app's legacy QR / ADMIN names.
func ParseStampMethod(s string) (StampMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scan", "qr":
		return MethodScan, nil
	case "staff", "admin":
		return MethodStaff, nil
	}
	return "", fmt.Errorf("unknown stamp method %q", s)
}

// Stamp is one accrual event. Date is the calendar day shown on the stamp card,
// CreatedAt is the instant used for rate limiting and ordering.
type Stamp struct {
	ID        string      `json:"id" bson:"_id"`
	MemberID  string      `json:"member_id" bson:"member_id"`
	Date      string      `json:"date" bson:"date"`
	Method    StampMethod `json:"method" bson:"method"`
	CreatedAt time.Time   `json:"created_at" bson:"created_at"`
}

// AccrualResult is returned by a successful AddStamp.
type AccrualResult struct {
	Stamp        Stamp   `json:"stamp"`
	StampCount   int     `json:"stamp_count"`
	CouponIssued *Coupon `json:"coupon_issued,omitempty"`
}
