package service

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

// two-digit years at or above this pivot are read as 19xx, below it as 20xx
const centuryPivot = 50

// NormalizeBirthDate turns a 6 digit (YYMMDD) or 8 digit (YYYYMMDD) birth date
// into YYYYMMDD. Anything else, including impossible calendar dates, is rejected.
func NormalizeBirthDate(input string) (string, error) {
	digits := strings.TrimSpace(input)
	for _, r := range digits {
		if r > unicode.MaxASCII || !unicode.IsDigit(r) {
			return "", invalidInput("birth date must contain digits only")
		}
	}

	var normalized string
	switch len(digits) {
	case 8:
		normalized = digits
	case 6:
		century := "20"
		if int(digits[0]-'0')*10+int(digits[1]-'0') >= centuryPivot {
			century = "19"
		}
		normalized = century + digits
	default:
		return "", invalidInput("birth date must be 6 (YYMMDD) or 8 (YYYYMMDD) digits")
	}

	if _, err := time.Parse("20060102", normalized); err != nil {
		return "", invalidInput("birth date %s is not a calendar date", normalized)
	}
	return normalized, nil
}

type IdentityService struct {
	store  store.Store
	policy Policy
}

func NewIdentityService(st store.Store, policy Policy) *IdentityService {
	return &IdentityService{store: st, policy: policy}
}

// Resolve returns the member registered under (name, birth date), creating one on
// first login. Concurrent first logins for the same identity yield one member.
func (s *IdentityService) Resolve(ctx context.Context, name, birthDate string) (*models.Member, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("name is required")
	}
	dob, err := NormalizeBirthDate(birthDate)
	if err != nil {
		return nil, err
	}

	candidate := models.Member{
		ID:        uuid.NewString(),
		Name:      name,
		BirthDate: dob,
		Role:      models.RoleMember,
		CreatedAt: s.policy.now().UTC(),
	}
	wctx, cancel := detach(ctx)
	defer cancel()
	m, created, err := s.store.FindOrCreateMember(wctx, candidate)
	if err != nil {
		return nil, storeError("resolve member", err)
	}
	if created {
		log.WithField("member", m.ID).Info("new member registered")
	}
	return m, nil
}
