package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"safenest-geofence/internal/models"
	"safenest-geofence/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDeliverer 记录投递调用的测试替身
type fakeDeliverer struct {
	payloads []*models.NotificationPayload
	// 按调用顺序返回的错误，用尽后返回 nil
	errs []error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, payload *models.NotificationPayload) error {
	f.payloads = append(f.payloads, payload)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func setupDispatcher(t *testing.T, deliverer Deliverer) (*sql.DB, sqlmock.Sqlmock, *Dispatcher) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	transitionRepo := repository.NewTransitionRepository(db, logger)
	deliveryRepo := repository.NewDeliveryRepository(db, logger)

	d := NewDispatcher(transitionRepo, deliveryRepo, deliverer, 3, time.Millisecond, logger)
	return db, mock, d
}

func testEvent() *models.ZoneTransitionEvent {
	return &models.ZoneTransitionEvent{
		EventID:                "event-1",
		UserID:                 "user-1",
		ZoneID:                 "zone-home",
		EventType:              models.EventEnter,
		FixID:                  "fix-1",
		DistanceToCenterMeters: 42,
		OccurredAt:             time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		CreatedAt:              time.Now(),
	}
}

func testSafeZone() *models.Zone {
	return &models.Zone{
		ZoneID:        "zone-home",
		Kind:          models.ZoneKindSafe,
		OwnerID:       "user-1",
		Name:          "Home",
		CenterLat:     48.85,
		CenterLon:     2.35,
		RadiusMeters:  100,
		IsActive:      true,
		NotifyOnEntry: true,
	}
}

func TestDispatch_DeliversOwnerAndRecipients(t *testing.T) {
	deliverer := &fakeDeliverer{}
	db, mock, d := setupDispatcher(t, deliverer)
	defer db.Close()

	// 抢占成功
	mock.ExpectExec(`UPDATE zone_transition_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 一条扇出投递记录
	mock.ExpectExec(`INSERT INTO notification_deliveries`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Dispatch(context.Background(), &Request{Event: testEvent(), Zone: testSafeZone(), Kind: models.KindSafeZoneEnter, Recipients: []string{"contact-1"}})

	require.NoError(t, err)
	require.Len(t, deliverer.payloads, 2)
	assert.Equal(t, "user-1", deliverer.payloads[0].RecipientUserID)
	assert.Equal(t, "contact-1", deliverer.payloads[1].RecipientUserID)
	assert.Equal(t, models.KindSafeZoneEnter, deliverer.payloads[0].Kind)
	assert.Equal(t, "zone-home", deliverer.payloads[0].Metadata.ZoneID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_AlreadySentIsNoOp(t *testing.T) {
	deliverer := &fakeDeliverer{}
	db, mock, d := setupDispatcher(t, deliverer)
	defer db.Close()

	// 条件更新命中零行：事件已发送过
	mock.ExpectExec(`UPDATE zone_transition_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := d.Dispatch(context.Background(), &Request{Event: testEvent(), Zone: testSafeZone(), Kind: models.KindSafeZoneEnter, Recipients: []string{"contact-1"}})

	require.NoError(t, err)
	assert.Empty(t, deliverer.payloads)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_RetryableFailureRetriesThenSucceeds(t *testing.T) {
	deliverer := &fakeDeliverer{
		errs: []error{
			&DeliveryError{Retryable: true, Err: errors.New("push gateway busy")},
			&DeliveryError{Retryable: true, Err: errors.New("push gateway busy")},
		},
	}
	db, mock, d := setupDispatcher(t, deliverer)
	defer db.Close()

	mock.ExpectExec(`UPDATE zone_transition_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Dispatch(context.Background(), &Request{Event: testEvent(), Zone: testSafeZone(), Kind: models.KindSafeZoneEnter})

	require.NoError(t, err)
	// 属主投递失败两次后第三次成功
	assert.Len(t, deliverer.payloads, 3)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_OwnerExhaustedReleasesClaim(t *testing.T) {
	retryable := &DeliveryError{Retryable: true, Err: errors.New("push gateway down")}
	deliverer := &fakeDeliverer{
		errs: []error{retryable, retryable, retryable, retryable},
	}
	db, mock, d := setupDispatcher(t, deliverer)
	defer db.Close()

	mock.ExpectExec(`UPDATE zone_transition_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 重试耗尽后释放发送标记，事件留待重投扫描
	mock.ExpectExec(`UPDATE zone_transition_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Dispatch(context.Background(), &Request{Event: testEvent(), Zone: testSafeZone(), Kind: models.KindSafeZoneEnter, Recipients: []string{"contact-1"}})

	assert.Error(t, err)
	// 1 次初始 + 3 次重试，未进入扇出
	assert.Len(t, deliverer.payloads, 4)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_PermanentFailureNotRetried(t *testing.T) {
	deliverer := &fakeDeliverer{
		errs: []error{
			nil, // 属主投递成功
			&DeliveryError{Retryable: false, Err: errors.New("recipient token revoked")},
		},
	}
	db, mock, d := setupDispatcher(t, deliverer)
	defer db.Close()

	mock.ExpectExec(`UPDATE zone_transition_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO notification_deliveries`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Dispatch(context.Background(), &Request{Event: testEvent(), Zone: testSafeZone(), Kind: models.KindSafeZoneEnter, Recipients: []string{"contact-1"}})

	require.NoError(t, err)
	// 属主 1 次 + 接收人 1 次（永久失败不重试）
	assert.Len(t, deliverer.payloads, 2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_DangerPayloadCarriesSeverity(t *testing.T) {
	deliverer := &fakeDeliverer{}
	db, mock, d := setupDispatcher(t, deliverer)
	defer db.Close()

	zone := testSafeZone()
	zone.Kind = models.ZoneKindDanger
	zone.Severity = models.SeverityCritical

	mock.ExpectExec(`UPDATE zone_transition_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Dispatch(context.Background(), &Request{Event: testEvent(), Zone: zone, Kind: models.KindDangerProximity})

	require.NoError(t, err)
	require.Len(t, deliverer.payloads, 1)
	assert.Equal(t, models.SeverityCritical, deliverer.payloads[0].Metadata.Severity)

	require.NoError(t, mock.ExpectationsWereMet())
}
