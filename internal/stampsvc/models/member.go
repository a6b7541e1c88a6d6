package models

import (
	"time"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Member represents the members collection (users in the mobile app).
type Member struct {
	ID          string     `json:"id" bson:"_id"`
	Name        string     `json:"name" bson:"name"`
	BirthDate   string     `json:"birth_date" bson:"birth_date"` // YYYYMMDD
	Role        string     `json:"role" bson:"role"`
	PushToken   string     `json:"push_token,omitempty" bson:"push_token,omitempty"`
	LastStampAt *time.Time `json:"last_stamp_at,omitempty" bson:"last_stamp_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
}

func (m *Member) IsAdmin() bool {
	return m.Role == RoleAdmin
}

// MemberSummary is what the stamp and coupon screens render.
type MemberSummary struct {
	Member      Member `json:"member"`
	StampCount  int    `json:"stamp_count"`
	CouponCount int    `json:"coupon_count"`
}
