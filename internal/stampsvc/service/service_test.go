package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

var kst = time.FixedZone("KST", 9*60*60)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu  sync.Mutex
	ns  []models.Notification
	err error
}

func (r *recorder) Notify(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = append(r.ns, n)
	return r.err
}

func (r *recorder) events(recipient string) []models.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationEvent
	for _, n := range r.ns {
		if n.RecipientID == recipient {
			out = append(out, n.Event)
		}
	}
	return out
}

type fixture struct {
	store      *store.MemoryStore
	clock      *fakeClock
	notes      *recorder
	dispatch   *Dispatcher
	identity   *IdentityService
	ledger     *StampLedger
	redemption *RedemptionService
	members    *MemberService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		clock: &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, kst)},
		notes: &recorder{},
	}
	policy := DefaultPolicy()
	policy.Location = kst
	policy.Now = f.clock.Now

	f.dispatch = NewDispatcher(f.notes, time.Second)
	ledger, err := NewStampLedger(f.store, policy, f.dispatch)
	require.NoError(t, err)

	f.ledger = ledger
	f.identity = NewIdentityService(f.store, policy)
	f.redemption = NewRedemptionService(f.store, policy, f.dispatch)
	f.members = NewMemberService(f.store)
	return f
}

func (f *fixture) policyDay() string {
	return f.clock.Now().In(kst).Format("2006-01-02")
}

func (f *fixture) login(t *testing.T, name, dob string) *models.Member {
	t.Helper()
	m, err := f.identity.Resolve(context.Background(), name, dob)
	require.NoError(t, err)
	return m
}

func (f *fixture) admin(t *testing.T) *models.Member {
	t.Helper()
	a := models.Member{ID: "captain", Name: "Captain Kim", BirthDate: "19700101", Role: models.RoleAdmin, CreatedAt: f.clock.Now()}
	f.store.Seed(a)
	return &a
}

// staffStamps adds n staff stamps, stepping the clock past the staff interval each time.
func (f *fixture) staffStamps(t *testing.T, memberID string, n int) *models.AccrualResult {
	t.Helper()
	var res *models.AccrualResult
	for i := 0; i < n; i++ {
		f.clock.Advance(2 * time.Second)
		var err error
		res, err = f.ledger.AddStamp(context.Background(), memberID, models.MethodStaff)
		require.NoError(t, err)
	}
	return res
}

func TestNormalizeBirthDate(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "19810204", want: "19810204"},
		{in: "810204", want: "19810204"},
		{in: "500101", want: "19500101"},
		{in: "491231", want: "20491231"},
		{in: "050607", want: "20050607"},
		{in: " 19990101 ", want: "19990101"},
		{in: "1981024", wantErr: true},
		{in: "", wantErr: true},
		{in: "1981-02-04", wantErr: true},
		{in: "19810230", wantErr: true},
		{in: "١٩٨١٠٢٠٤", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeBirthDate(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveCreatesThenReuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.login(t, "Hong Gildong", "19810204")
	assert.Equal(t, models.RoleMember, m.Role)
	assert.Equal(t, "19810204", m.BirthDate)

	summary, err := f.members.Summary(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, summary.StampCount)
	assert.Zero(t, summary.CouponCount)

	again := f.login(t, "  Hong Gildong ", "810204")
	assert.Equal(t, m.ID, again.ID)

	other := f.login(t, "Hong Gildong", "19810205")
	assert.NotEqual(t, m.ID, other.ID)
}

func TestResolveRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.identity.Resolve(context.Background(), "   ", "19810204")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.identity.Resolve(context.Background(), "Hong", "1981")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolveConcurrentFirstLogin(t *testing.T) {
	f := newFixture(t)

	ids := make([]string, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := f.identity.Resolve(context.Background(), "Lee", "900101")
			if assert.NoError(t, err) {
				ids[i] = m.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestTenScansIssueOneCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Park", "19810204")

	for i := 1; i <= 9; i++ {
		res, err := f.ledger.AddStamp(ctx, m.ID, models.MethodScan)
		require.NoError(t, err, "scan %d", i)
		assert.Equal(t, i, res.StampCount)
		assert.Nil(t, res.CouponIssued)
		f.clock.Advance(7 * time.Hour)
	}

	res, err := f.ledger.AddStamp(ctx, m.ID, models.MethodScan)
	require.NoError(t, err)
	assert.Equal(t, 0, res.StampCount)
	require.NotNil(t, res.CouponIssued)
	assert.False(t, res.CouponIssued.Used)

	stamps, err := f.ledger.GetStamps(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, stamps)

	n, err := f.redemption.CouponCount(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.dispatch.Wait()
	assert.Contains(t, f.notes.events(m.ID), models.EventCouponIssued)
}

func TestStampCountTracksTotalModThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Choi", "19750505")

	for i := 1; i <= 25; i++ {
		f.clock.Advance(2 * time.Second)
		res, err := f.ledger.AddStamp(ctx, m.ID, models.MethodStaff)
		require.NoError(t, err)
		assert.Equal(t, i%10, res.StampCount)
		assert.GreaterOrEqual(t, res.StampCount, 0)
		assert.LessOrEqual(t, res.StampCount, 9)
	}

	stamps, err := f.ledger.GetStamps(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, stamps, 5)

	n, err := f.redemption.CouponCount(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestScanWithinIntervalIsRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Jung", "19880808")

	first := f.clock.Now()
	_, err := f.ledger.AddStamp(ctx, m.ID, models.MethodScan)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Hour)
	_, err = f.ledger.AddStamp(ctx, m.ID, models.MethodScan)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, models.MethodScan, rl.Method)
	assert.True(t, rl.NextEligibleAt.Equal(first.Add(6*time.Hour)))

	// staff stamps only wait for their own interval
	_, err = f.ledger.AddStamp(ctx, m.ID, models.MethodStaff)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Hour)
	res, err := f.ledger.AddStamp(ctx, m.ID, models.MethodScan)
	require.NoError(t, err)
	assert.Equal(t, 3, res.StampCount)
}

func TestConcurrentScansGrantExactlyOne(t *testing.T) {
	f := newFixture(t)
	m := f.login(t, "Yoon", "19920303")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.AddStamp(context.Background(), m.ID, models.MethodScan)
		}(i)
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		var rl *RateLimitedError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &rl):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, limited)

	stamps, err := f.ledger.GetStamps(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Len(t, stamps, 1)
}

func TestThresholdCrossingIssuesSingleCoupon(t *testing.T) {
	f := newFixture(t)
	m := f.login(t, "Kang", "19660606")
	f.staffStamps(t, m.ID, 9)
	f.clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.ledger.AddStamp(context.Background(), m.ID, models.MethodStaff)
		}()
	}
	wg.Wait()

	n, err := f.redemption.CouponCount(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stamps, err := f.ledger.GetStamps(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Empty(t, stamps)
}

func TestAddStampRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Seo", "19770707")
	f.staffStamps(t, m.ID, 9)

	f.store.InjectFault("InsertCoupon", errors.New("connection reset"))
	f.clock.Advance(2 * time.Second)
	_, err := f.ledger.AddStamp(ctx, m.ID, models.MethodStaff)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	stamps, err := f.ledger.GetStamps(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, stamps, 9)
	n, err := f.redemption.CouponCount(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// the failed attempt did not consume the interval
	f.store.InjectFault("InsertCoupon", nil)
	res, err := f.ledger.AddStamp(ctx, m.ID, models.MethodStaff)
	require.NoError(t, err)
	assert.NotNil(t, res.CouponIssued)
}

func TestAddStampUnknownMember(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.AddStamp(context.Background(), "ghost", models.MethodStaff)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.ledger.AddStamp(context.Background(), "", models.MethodStaff)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.ledger.AddStamp(context.Background(), "ghost", models.StampMethod("mail"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestScanStampChecksPayload(t *testing.T) {
	f := newFixture(t)
	m := f.login(t, "Han", "19850505")

	_, err := f.ledger.ScanStamp(context.Background(), m.ID, "https://example.com/elsewhere")
	assert.ErrorIs(t, err, ErrInvalidInput)

	res, err := f.ledger.ScanStamp(context.Background(), m.ID, DefaultPolicy().QRPayload)
	require.NoError(t, err)
	assert.Equal(t, models.MethodScan, res.Stamp.Method)
	assert.Equal(t, "2025-06-01", res.Stamp.Date)
}

func TestScanAlertsCaptains(t *testing.T) {
	f := newFixture(t)
	a := f.admin(t)
	m := f.login(t, "Lim", "19930909")

	_, err := f.ledger.AddStamp(context.Background(), m.ID, models.MethodScan)
	require.NoError(t, err)
	f.dispatch.Wait()

	assert.Equal(t, []models.NotificationEvent{models.EventStampAdded}, f.notes.events(a.ID))
	assert.Equal(t, []models.NotificationEvent{models.EventStampAdded}, f.notes.events(m.ID))
}

func TestNotifierFailureDoesNotFailAccrual(t *testing.T) {
	f := newFixture(t)
	f.notes.err = errors.New("push gateway down")
	m := f.login(t, "Oh", "19800101")

	res, err := f.ledger.AddStamp(context.Background(), m.ID, models.MethodStaff)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StampCount)
	f.dispatch.Wait()
}

func TestRedeemConcurrentSingleCoupon(t *testing.T) {
	f := newFixture(t)
	m := f.login(t, "Shin", "19910101")
	f.staffStamps(t, m.ID, 10)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.redemption.RedeemOne(context.Background(), m.ID)
		}(i)
	}
	wg.Wait()

	var ok, empty int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNoCouponAvailable):
			empty++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, empty)
}

func TestRedeemConsumesEarliestIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Baek", "19870707")

	first := f.staffStamps(t, m.ID, 10).CouponIssued
	f.clock.Advance(24 * time.Hour)
	second := f.staffStamps(t, m.ID, 10).CouponIssued
	require.NotNil(t, first)
	require.NotNil(t, second)

	used, err := f.redemption.RedeemOne(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, used.ID)
	assert.True(t, used.Used)
	assert.Equal(t, "2025-06-02", used.UsedDate)

	used, err = f.redemption.RedeemOne(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, used.ID)

	_, err = f.redemption.RedeemOne(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNoCouponAvailable)

	_, err = f.redemption.RedeemOne(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvisory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Nam", "19820202")

	adv, err := f.redemption.Advisory(ctx, m.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionAdvisory{}, *adv)

	f.staffStamps(t, m.ID, 10)

	for i := 0; i < 3; i++ {
		adv, err = f.redemption.Advisory(ctx, m.ID, "")
		require.NoError(t, err)
		assert.True(t, adv.OnlyTodayIssued)
		assert.False(t, adv.UsedToday)
		assert.Equal(t, 1, adv.UnusedCount)
	}

	before, err := f.redemption.ListCoupons(ctx, m.ID)
	require.NoError(t, err)
	stamps, err := f.ledger.GetStamps(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, stamps)
	require.Len(t, before, 1)
	assert.False(t, before[0].Used)

	_, err = f.redemption.RedeemOne(ctx, m.ID)
	require.NoError(t, err)

	adv, err = f.redemption.Advisory(ctx, m.ID, "")
	require.NoError(t, err)
	assert.True(t, adv.UsedToday)
	assert.False(t, adv.OnlyTodayIssued)
	assert.Zero(t, adv.UnusedCount)

	f.clock.Advance(24 * time.Hour)
	adv, err = f.redemption.Advisory(ctx, m.ID, "")
	require.NoError(t, err)
	assert.False(t, adv.UsedToday)

	_, err = f.redemption.Advisory(ctx, "ghost", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvisoryOlderCoupon(t *testing.T) {
	f := newFixture(t)
	m := f.login(t, "Ryu", "19830303")
	f.staffStamps(t, m.ID, 10)
	f.clock.Advance(48 * time.Hour)

	adv, err := f.redemption.Advisory(context.Background(), m.ID, "")
	require.NoError(t, err)
	assert.False(t, adv.OnlyTodayIssued)
	assert.Equal(t, 1, adv.UnusedCount)
}

func TestAdvisoryForGivenDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Seo", "19840404")
	f.staffStamps(t, m.ID, 10)
	issued := f.policyDay()

	adv, err := f.redemption.Advisory(ctx, m.ID, issued)
	require.NoError(t, err)
	assert.True(t, adv.OnlyTodayIssued)

	_, err = f.redemption.RedeemOne(ctx, m.ID)
	require.NoError(t, err)

	adv, err = f.redemption.Advisory(ctx, m.ID, issued)
	require.NoError(t, err)
	assert.True(t, adv.UsedToday)

	adv, err = f.redemption.Advisory(ctx, m.ID, "2025-05-31")
	require.NoError(t, err)
	assert.False(t, adv.UsedToday)

	_, err = f.redemption.Advisory(ctx, m.ID, "31/05/2025")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRequestUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Moon", "19940404")

	err := f.redemption.RequestUse(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNoCouponAvailable)

	f.staffStamps(t, m.ID, 10)
	err = f.redemption.RequestUse(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	a := f.admin(t)
	require.NoError(t, f.redemption.RequestUse(ctx, m.ID))
	f.dispatch.Wait()
	assert.Contains(t, f.notes.events(a.ID), models.EventCouponRequested)

	err = f.redemption.RequestUse(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUsedCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Song", "19950505")
	c := f.staffStamps(t, m.ID, 10).CouponIssued
	require.NotNil(t, c)

	err := f.redemption.DeleteUsed(ctx, m.ID, c.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.redemption.RedeemOne(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, f.redemption.DeleteUsed(ctx, m.ID, c.ID))

	err = f.redemption.DeleteUsed(ctx, m.ID, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	coupons, err := f.redemption.ListCoupons(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, coupons)
}

func TestDeleteMemberRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Jang", "19860606")

	f.staffStamps(t, m.ID, 20)
	f.staffStamps(t, m.ID, 3)

	n, err := f.redemption.CouponCount(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, f.members.Delete(ctx, m.ID))

	stamps, err := f.ledger.GetStamps(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, stamps)
	n, err = f.redemption.CouponCount(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.members.Get(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.members.Delete(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMemberPartialFailureCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Kwon", "19890909")
	f.staffStamps(t, m.ID, 13)

	f.store.InjectFault("DeleteMember.coupons", errors.New("timeout"))
	err := f.members.Delete(ctx, m.ID)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = f.members.Get(ctx, m.ID)
	require.NoError(t, err)

	f.store.InjectFault("DeleteMember.coupons", nil)
	require.NoError(t, f.members.Delete(ctx, m.ID))

	coupons, err := f.redemption.ListCoupons(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, coupons)
}

func TestPushTokenLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Ahn", "19900909")

	assert.ErrorIs(t, f.members.RegisterPushToken(ctx, m.ID, "  "), ErrInvalidInput)
	require.NoError(t, f.members.RegisterPushToken(ctx, m.ID, "ExponentPushToken[abc]"))

	got, err := f.members.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "ExponentPushToken[abc]", got.PushToken)

	require.NoError(t, f.members.RemovePushToken(ctx, m.ID))
	got, err = f.members.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PushToken)

	assert.ErrorIs(t, f.members.RegisterPushToken(ctx, "ghost", "tok"), ErrNotFound)
}

func TestWritesCompleteAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	m := f.login(t, "Baek", "19870707")

	gone, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.ledger.AddStamp(gone, m.ID, models.MethodScan)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StampCount)
	stamps, err := f.store.ListStamps(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Len(t, stamps, 1)

	f.staffStamps(t, m.ID, 9)
	c, err := f.redemption.RedeemOne(gone, m.ID)
	require.NoError(t, err)
	assert.True(t, c.Used)

	require.NoError(t, f.redemption.DeleteUsed(gone, m.ID, c.ID))
	require.NoError(t, f.members.RegisterPushToken(gone, m.ID, "ExponentPushToken[b]"))
	require.NoError(t, f.members.Delete(gone, m.ID))

	_, err = f.store.GetMember(context.Background(), m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRateLimitMessageUsesBusinessTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.login(t, "Han", "19900101")

	// scan at 09:00 KST, retry at 10:00 KST
	_, err := f.ledger.AddStamp(ctx, m.ID, models.MethodScan)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	_, err = f.ledger.AddStamp(ctx, m.ID, models.MethodScan)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, kst, rl.NextEligibleAt.Location())
	assert.Contains(t, err.Error(), "available after 15:00")
}
