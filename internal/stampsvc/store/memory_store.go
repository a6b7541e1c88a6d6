package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

// MemoryStore keeps every document in process memory. One mutex serializes all
// access, so member transactions are trivially isolated.
type MemoryStore struct {
	mu      sync.Mutex
	members map[string]models.Member
	order   []string
	stamps  map[string][]models.Stamp
	coupons map[string][]models.Coupon
	faults  map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members: make(map[string]models.Member),
		stamps:  make(map[string][]models.Stamp),
		coupons: make(map[string][]models.Coupon),
		faults:  make(map[string]error),
	}
}

// Seed inserts or replaces a member as-is. Used to create admins and fixtures.
func (s *MemoryStore) Seed(m models.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; !ok {
		s.order = append(s.order, m.ID)
	}
	s.members[m.ID] = cloneMember(m)
}

// InjectFault makes the named operation (e.g. "InsertCoupon", "DeleteMember.coupons")
// fail with err until cleared with a nil err.
func (s *MemoryStore) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *MemoryStore) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		return fmt.Errorf("memory store %s: %w", op, err)
	}
	return nil
}

func (s *MemoryStore) FindOrCreateMember(ctx context.Context, candidate models.Member) (*models.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := s.fault("FindOrCreateMember"); err != nil {
		return nil, false, err
	}

	for _, id := range s.order {
		m := s.members[id]
		if m.Name == candidate.Name && m.BirthDate == candidate.BirthDate {
			out := cloneMember(m)
			return &out, false, nil
		}
	}

	s.members[candidate.ID] = cloneMember(candidate)
	s.order = append(s.order, candidate.ID)
	out := cloneMember(candidate)
	return &out, true, nil
}

func (s *MemoryStore) GetMember(ctx context.Context, memberID string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetMember"); err != nil {
		return nil, err
	}

	m, ok := s.members[memberID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneMember(m)
	return &out, nil
}

func (s *MemoryStore) ListAdmins(ctx context.Context) ([]models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var admins []models.Member
	for _, id := range s.order {
		if m := s.members[id]; m.IsAdmin() {
			admins = append(admins, cloneMember(m))
		}
	}
	return admins, nil
}

func (s *MemoryStore) SetPushToken(ctx context.Context, memberID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m, ok := s.members[memberID]
	if !ok {
		return ErrNotFound
	}
	m.PushToken = token
	s.members[memberID] = m
	return nil
}

func (s *MemoryStore) ListStamps(ctx context.Context, memberID string) ([]models.Stamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListStamps"); err != nil {
		return nil, err
	}

	out := append([]models.Stamp(nil), s.stamps[memberID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListCoupons(ctx context.Context, memberID string) ([]models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListCoupons"); err != nil {
		return nil, err
	}

	out := make([]models.Coupon, 0, len(s.coupons[memberID]))
	for _, c := range s.coupons[memberID] {
		out = append(out, cloneCoupon(c))
	}
	sortCoupons(out)
	return out, nil
}

func (s *MemoryStore) CountUnusedCoupons(ctx context.Context, memberID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.coupons[memberID] {
		if !c.Used {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RedeemOldestCoupon(ctx context.Context, memberID string, usedAt time.Time, usedDate string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.fault("RedeemOldestCoupon"); err != nil {
		return nil, err
	}

	if _, ok := s.members[memberID]; !ok {
		return nil, ErrNotFound
	}

	coupons := s.coupons[memberID]
	sortCoupons(coupons)
	for i := range coupons {
		if coupons[i].Used {
			continue
		}
		t := usedAt
		coupons[i].Used = true
		coupons[i].UsedAt = &t
		coupons[i].UsedDate = usedDate
		out := cloneCoupon(coupons[i])
		return &out, nil
	}
	return nil, ErrNoCoupon
}

func (s *MemoryStore) DeleteUsedCoupon(ctx context.Context, memberID, couponID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	coupons := s.coupons[memberID]
	for i, c := range coupons {
		if c.ID != couponID {
			continue
		}
		if !c.Used {
			return ErrCouponUnused
		}
		s.coupons[memberID] = append(coupons[:i:i], coupons[i+1:]...)
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) DeleteMember(ctx context.Context, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.fault("DeleteMember.stamps"); err != nil {
		return err
	}
	delete(s.stamps, memberID)

	if err := s.fault("DeleteMember.coupons"); err != nil {
		return err
	}
	delete(s.coupons, memberID)

	if err := s.fault("DeleteMember.member"); err != nil {
		return err
	}
	if _, ok := s.members[memberID]; !ok {
		return ErrNotFound
	}
	delete(s.members, memberID)
	for i, id := range s.order {
		if id == memberID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// WithMemberTx stages writes on copies of the member's documents and publishes them
// only when fn returns nil. fn must only use tx; calling back into the store deadlocks.
func (s *MemoryStore) WithMemberTx(ctx context.Context, memberID string, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:    s,
		memberID: memberID,
		stamps:   append([]models.Stamp(nil), s.stamps[memberID]...),
		coupons:  append([]models.Coupon(nil), s.coupons[memberID]...),
	}
	if m, ok := s.members[memberID]; ok {
		mc := cloneMember(m)
		tx.member = &mc
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if tx.member == nil {
		return nil
	}
	s.members[memberID] = *tx.member
	if len(tx.stamps) == 0 {
		delete(s.stamps, memberID)
	} else {
		s.stamps[memberID] = tx.stamps
	}
	if len(tx.coupons) == 0 {
		delete(s.coupons, memberID)
	} else {
		s.coupons[memberID] = tx.coupons
	}
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	memberID string
	member   *models.Member
	stamps   []models.Stamp
	coupons  []models.Coupon
}

func (t *memoryTx) scope(memberID string) error {
	if memberID != t.memberID {
		return fmt.Errorf("transaction for member %s cannot touch member %s", t.memberID, memberID)
	}
	if t.member == nil {
		return ErrNotFound
	}
	return nil
}

func (t *memoryTx) ClaimAccrual(ctx context.Context, memberID string, now time.Time, minInterval time.Duration) (bool, time.Time, error) {
	if err := t.scope(memberID); err != nil {
		return false, time.Time{}, err
	}
	if err := t.store.fault("ClaimAccrual"); err != nil {
		return false, time.Time{}, err
	}
	if !accrualAllowed(t.member.LastStampAt, now, minInterval) {
		return false, *t.member.LastStampAt, nil
	}
	ts := now
	t.member.LastStampAt = &ts
	return true, time.Time{}, nil
}

func (t *memoryTx) InsertStamp(ctx context.Context, stamp models.Stamp) error {
	if err := t.scope(stamp.MemberID); err != nil {
		return err
	}
	if err := t.store.fault("InsertStamp"); err != nil {
		return err
	}
	t.stamps = append(t.stamps, stamp)
	return nil
}

func (t *memoryTx) CountStamps(ctx context.Context, memberID string) (int, error) {
	if err := t.scope(memberID); err != nil {
		return 0, err
	}
	return len(t.stamps), nil
}

func (t *memoryTx) InsertCoupon(ctx context.Context, coupon models.Coupon) error {
	if err := t.scope(coupon.MemberID); err != nil {
		return err
	}
	if err := t.store.fault("InsertCoupon"); err != nil {
		return err
	}
	t.coupons = append(t.coupons, coupon)
	return nil
}

func (t *memoryTx) ClearStamps(ctx context.Context, memberID string) (int, error) {
	if err := t.scope(memberID); err != nil {
		return 0, err
	}
	if err := t.store.fault("ClearStamps"); err != nil {
		return 0, err
	}
	n := len(t.stamps)
	t.stamps = nil
	return n, nil
}

func cloneMember(m models.Member) models.Member {
	if m.LastStampAt != nil {
		t := *m.LastStampAt
		m.LastStampAt = &t
	}
	return m
}

func cloneCoupon(c models.Coupon) models.Coupon {
	if c.UsedAt != nil {
		t := *c.UsedAt
		c.UsedAt = &t
	}
	return c
}

// sortCoupons orders by issuance, earliest first; ID breaks ties.
func sortCoupons(cs []models.Coupon) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].IssuedAt.Equal(cs[j].IssuedAt) {
			return cs[i].IssuedAt.Before(cs[j].IssuedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
