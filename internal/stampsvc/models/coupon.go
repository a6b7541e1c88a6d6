package models

import (
	"time"
)

type Coupon struct {
	ID         string     `json:"id" bson:"_id"`
	MemberID   string     `json:"member_id" bson:"member_id"`
	IssuedDate string     `json:"issued_date" bson:"issued_date"`
	IssuedAt   time.Time  `json:"issued_at" bson:"issued_at"`
	Used       bool       `json:"used" bson:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty" bson:"used_at,omitempty"`
	UsedDate   string     `json:"used_date,omitempty" bson:"used_date,omitempty"`
}

// RedemptionAdvisory lets staff confirm a redemption that looks like an accidental repeat.
type RedemptionAdvisory struct {
	UsedToday       bool `json:"used_today"`
	OnlyTodayIssued bool `json:"only_today_issued"`
	UnusedCount     int  `json:"unused_count"`
}
