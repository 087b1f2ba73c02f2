package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"safenest-geofence/internal/config"
	"safenest-geofence/internal/dispatcher"
	"safenest-geofence/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================
// 内存假件
// ============================================

type fakeSweepStore struct {
	mu sync.Mutex

	overdue     []*models.ZoneMembershipState
	undelivered []*models.ZoneTransitionEvent
	zones       map[string]*models.Zone
	quietHours  *models.QuietHoursPreference

	createdEvents []*models.ZoneTransitionEvent
	reminderMarks []string // "user:zone"
	claimed       map[string]bool

	listGate chan struct{} // 非 nil 时 ListOverdueOutside 阻塞等待
}

func newFakeSweepStore() *fakeSweepStore {
	return &fakeSweepStore{
		zones:   make(map[string]*models.Zone),
		claimed: make(map[string]bool),
	}
}

func (s *fakeSweepStore) ListOverdueOutside(ctx context.Context, minOutside time.Duration, now time.Time) ([]*models.ZoneMembershipState, error) {
	if s.listGate != nil {
		<-s.listGate
	}
	return s.overdue, nil
}

func (s *fakeSweepStore) MarkReminderSent(ctx context.Context, userID, zoneID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminderMarks = append(s.reminderMarks, userID+":"+zoneID)
	return nil
}

func (s *fakeSweepStore) GetZoneByID(ctx context.Context, zoneID string) (*models.Zone, error) {
	zone, ok := s.zones[zoneID]
	if !ok {
		return nil, errors.New("zone not found: " + zoneID)
	}
	return zone, nil
}

func (s *fakeSweepStore) CreateEvent(ctx context.Context, event *models.ZoneTransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createdEvents = append(s.createdEvents, event)
	return nil
}

func (s *fakeSweepStore) GetQuietHours(ctx context.Context, userID string) (*models.QuietHoursPreference, error) {
	return s.quietHours, nil
}

func (s *fakeSweepStore) GetOutboundRelationships(ctx context.Context, userID string) ([]*models.Relationship, error) {
	return []*models.Relationship{
		{UserID: userID, ContactID: "contact-1", Status: models.RelationAccepted, ShareLevel: models.ShareLevelRealTime, CanSeeMe: true},
	}, nil
}

func (s *fakeSweepStore) ListUndelivered(ctx context.Context, grace time.Duration, now time.Time, limit int) ([]*models.ZoneTransitionEvent, error) {
	return s.undelivered, nil
}

func (s *fakeSweepStore) TryMarkNotificationSent(ctx context.Context, eventID string, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[eventID] {
		return false, nil
	}
	s.claimed[eventID] = true
	return true, nil
}

type fakeSweepDispatch struct {
	mu       sync.Mutex
	requests []*dispatcher.Request
	err      error
}

func (d *fakeSweepDispatch) Dispatch(ctx context.Context, req *dispatcher.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.requests = append(d.requests, req)
	return nil
}

func (d *fakeSweepDispatch) all() []*dispatcher.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*dispatcher.Request(nil), d.requests...)
}

// ============================================
// 测试装配
// ============================================

func testSweepConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.Reminder.MinOutside = 30 * time.Minute
	cfg.Engine.Reminder.RedeliveryGrace = 10 * time.Minute
	return cfg
}

func setupReminderSweep(store *fakeSweepStore) (*ReminderSweep, *fakeSweepDispatch) {
	dispatch := &fakeSweepDispatch{}
	sweep := NewReminderSweep(testSweepConfig(), store, store, store, store, store, dispatch, nil, zap.NewNop())
	return sweep, dispatch
}

func overdueState(userID, zoneID string, outsideFor time.Duration) *models.ZoneMembershipState {
	since := time.Now().Add(-outsideFor)
	return &models.ZoneMembershipState{
		UserID:             userID,
		ZoneID:             zoneID,
		CurrentState:       models.MembershipOutside,
		OutsideSince:       &since,
		LastEvaluatedFixID: "fix-last",
		GeometryVersion:    1,
	}
}

func sweepSafeZone(id string) *models.Zone {
	return &models.Zone{
		ZoneID:          id,
		Kind:            models.ZoneKindSafe,
		OwnerID:         "user-1",
		Name:            "School",
		CenterLat:       48.85,
		CenterLon:       2.35,
		RadiusMeters:    150,
		IsActive:        true,
		NotifyOnEntry:   true,
		NotifyOnExit:    true,
		GeometryVersion: 1,
	}
}

// ============================================
// 提醒扫描
// ============================================

func TestReminderSweep_SendsReminderAndMarks(t *testing.T) {
	store := newFakeSweepStore()
	store.zones["zone-school"] = sweepSafeZone("zone-school")
	store.overdue = []*models.ZoneMembershipState{overdueState("user-1", "zone-school", time.Hour)}
	sweep, dispatch := setupReminderSweep(store)

	require.NoError(t, sweep.Run(context.Background()))

	require.Len(t, store.createdEvents, 1)
	assert.Equal(t, models.EventReminder, store.createdEvents[0].EventType)
	assert.Equal(t, "fix-last", store.createdEvents[0].FixID)

	requests := dispatch.all()
	require.Len(t, requests, 1)
	assert.Equal(t, models.KindOutsideReminder, requests[0].Kind)
	assert.Equal(t, []string{"contact-1"}, requests[0].Recipients)

	assert.Equal(t, []string{"user-1:zone-school"}, store.reminderMarks)
	assert.False(t, sweep.Running())
}

func TestReminderSweep_QuietHoursSkipsWithoutMarking(t *testing.T) {
	store := newFakeSweepStore()
	store.zones["zone-school"] = sweepSafeZone("zone-school")
	store.overdue = []*models.ZoneMembershipState{overdueState("user-1", "zone-school", time.Hour)}
	store.quietHours = &models.QuietHoursPreference{
		UserID: "user-1", Enabled: true,
		StartTime: "00:00", EndTime: "23:59", Timezone: "UTC",
	}
	sweep, dispatch := setupReminderSweep(store)

	require.NoError(t, sweep.Run(context.Background()))

	// 不合成事件也不打标，下一轮仍是候选
	assert.Empty(t, store.createdEvents)
	assert.Empty(t, dispatch.all())
	assert.Empty(t, store.reminderMarks)
}

func TestReminderSweep_InactiveZoneSkipped(t *testing.T) {
	store := newFakeSweepStore()
	zone := sweepSafeZone("zone-school")
	zone.IsActive = false
	store.zones["zone-school"] = zone
	store.overdue = []*models.ZoneMembershipState{overdueState("user-1", "zone-school", time.Hour)}
	sweep, dispatch := setupReminderSweep(store)

	require.NoError(t, sweep.Run(context.Background()))

	assert.Empty(t, store.createdEvents)
	assert.Empty(t, dispatch.all())
}

func TestReminderSweep_DispatchFailureLeavesUnmarked(t *testing.T) {
	store := newFakeSweepStore()
	store.zones["zone-school"] = sweepSafeZone("zone-school")
	store.overdue = []*models.ZoneMembershipState{overdueState("user-1", "zone-school", time.Hour)}
	sweep, dispatch := setupReminderSweep(store)
	dispatch.err = errors.New("downstream unavailable")

	require.NoError(t, sweep.Run(context.Background()))

	assert.Empty(t, store.reminderMarks)
}

func TestReminderSweep_ConcurrentRunSkipped(t *testing.T) {
	store := newFakeSweepStore()
	store.listGate = make(chan struct{})
	sweep, _ := setupReminderSweep(store)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- sweep.Run(context.Background())
	}()

	// 等第一轮真正进入运行态
	require.Eventually(t, sweep.Running, time.Second, time.Millisecond)

	err := sweep.Run(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(store.listGate)
	require.NoError(t, <-firstDone)
	assert.False(t, sweep.Running())

	// 令牌已释放，新一轮可以进入
	require.NoError(t, sweep.Run(context.Background()))
}

func TestReminderSweep_LockHeldByOtherInstanceSkips(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lock := NewRedisSweepLock(client, "geofence:sweep:lock")

	store := newFakeSweepStore()
	dispatch := &fakeSweepDispatch{}
	sweep := NewReminderSweep(testSweepConfig(), store, store, store, store, store, dispatch, lock, zap.NewNop())

	// 另一实例持锁
	require.NoError(t, mr.Set("geofence:sweep:lock", "1"))
	assert.ErrorIs(t, sweep.Run(context.Background()), ErrSweepInProgress)

	// 锁释放后可以运行，且结束时归还锁
	mr.Del("geofence:sweep:lock")
	require.NoError(t, sweep.Run(context.Background()))
	assert.False(t, mr.Exists("geofence:sweep:lock"))
}

// ============================================
// 重投扫描
// ============================================

func undeliveredEvent(id, zoneID, eventType string) *models.ZoneTransitionEvent {
	return &models.ZoneTransitionEvent{
		EventID:    id,
		UserID:     "user-1",
		ZoneID:     zoneID,
		EventType:  eventType,
		FixID:      "fix-1",
		OccurredAt: time.Now().Add(-time.Hour),
		CreatedAt:  time.Now().Add(-time.Hour),
	}
}

func setupRedeliverySweep(store *fakeSweepStore) (*RedeliverySweep, *fakeSweepDispatch) {
	dispatch := &fakeSweepDispatch{}
	sweep := NewRedeliverySweep(testSweepConfig(), store, store, store, store, dispatch, zap.NewNop())
	return sweep, dispatch
}

func TestRedeliverySweep_RedispatchesUndelivered(t *testing.T) {
	store := newFakeSweepStore()
	store.zones["zone-school"] = sweepSafeZone("zone-school")
	store.undelivered = []*models.ZoneTransitionEvent{
		undeliveredEvent("evt-1", "zone-school", models.EventEnter),
	}
	sweep, dispatch := setupRedeliverySweep(store)

	require.NoError(t, sweep.Run(context.Background()))

	requests := dispatch.all()
	require.Len(t, requests, 1)
	assert.Equal(t, models.KindSafeZoneEnter, requests[0].Kind)
	assert.Equal(t, "evt-1", requests[0].Event.EventID)
}

func TestRedeliverySweep_NotifyFlagOffClosesEvent(t *testing.T) {
	store := newFakeSweepStore()
	zone := sweepSafeZone("zone-school")
	zone.NotifyOnExit = false
	store.zones["zone-school"] = zone
	store.undelivered = []*models.ZoneTransitionEvent{
		undeliveredEvent("evt-1", "zone-school", models.EventExit),
	}
	sweep, dispatch := setupRedeliverySweep(store)

	require.NoError(t, sweep.Run(context.Background()))

	assert.Empty(t, dispatch.all())
	assert.True(t, store.claimed["evt-1"])
}

func TestRedeliverySweep_QuietHoursClosesEvent(t *testing.T) {
	store := newFakeSweepStore()
	store.zones["zone-school"] = sweepSafeZone("zone-school")
	store.quietHours = &models.QuietHoursPreference{
		UserID: "user-1", Enabled: true,
		StartTime: "00:00", EndTime: "23:59", Timezone: "UTC",
	}
	store.undelivered = []*models.ZoneTransitionEvent{
		undeliveredEvent("evt-1", "zone-school", models.EventEnter),
	}
	sweep, dispatch := setupRedeliverySweep(store)

	require.NoError(t, sweep.Run(context.Background()))

	assert.Empty(t, dispatch.all())
	assert.True(t, store.claimed["evt-1"])
}

func TestRedeliverySweep_DangerEnterRedispatched(t *testing.T) {
	store := newFakeSweepStore()
	store.zones["zone-danger"] = &models.Zone{
		ZoneID:       "zone-danger",
		Kind:         models.ZoneKindDanger,
		CenterLat:    48.85,
		CenterLon:    2.35,
		RadiusMeters: 200,
		IsActive:     true,
		Severity:     models.SeverityHigh,
	}
	store.undelivered = []*models.ZoneTransitionEvent{
		undeliveredEvent("evt-1", "zone-danger", models.EventEnter),
	}
	sweep, dispatch := setupRedeliverySweep(store)

	require.NoError(t, sweep.Run(context.Background()))

	requests := dispatch.all()
	require.Len(t, requests, 1)
	assert.Equal(t, models.KindDangerProximity, requests[0].Kind)
}
