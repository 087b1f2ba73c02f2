package matcher

import (
	"testing"
	"time"

	"safenest-geofence/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dangerZone(id, severity string, confirmations int, centerLat float64) *models.Zone {
	return &models.Zone{
		ZoneID:        id,
		Kind:          models.ZoneKindDanger,
		OwnerID:       "reporter-1",
		CenterLat:     centerLat,
		CenterLon:     2.3500,
		RadiusMeters:  500,
		IsActive:      true,
		Severity:      severity,
		Confirmations: confirmations,
	}
}

func matcherFix() *models.PositionFix {
	return &models.PositionFix{
		FixID:          "fix-1",
		UserID:         "user-1",
		Latitude:       48.8500,
		Longitude:      2.3500,
		AccuracyMeters: 10,
		CapturedAt:     time.Now(),
		Source:         "gps",
	}
}

func TestMatch_SeverityBeatsConfirmations(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())
	now := time.Now()

	// 两个重叠危险区：critical/2次确认 vs high/10次确认 → critical 为主告警
	zones := []*models.Zone{
		dangerZone("zone-high", models.SeverityHigh, 10, 48.8500),
		dangerZone("zone-critical", models.SeverityCritical, 2, 48.8500),
	}

	matches := m.Match(matcherFix(), zones, now)

	require.Len(t, matches, 2)
	primary := m.Primary(matches)
	require.NotNil(t, primary)
	assert.Equal(t, "zone-critical", primary.Zone.ZoneID)
}

func TestMatch_ConfirmationsBreakSeverityTie(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())
	now := time.Now()

	zones := []*models.Zone{
		dangerZone("zone-few", models.SeverityHigh, 2, 48.8500),
		dangerZone("zone-many", models.SeverityHigh, 10, 48.8500),
	}

	matches := m.Match(matcherFix(), zones, now)

	require.Len(t, matches, 2)
	assert.Equal(t, "zone-many", matches[0].Zone.ZoneID)
}

func TestMatch_DistanceBreaksFullTie(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())
	now := time.Now()

	// 同级别同确认数：距离更近的在前（0.002 度约 220m）
	zones := []*models.Zone{
		dangerZone("zone-far", models.SeverityMedium, 3, 48.8520),
		dangerZone("zone-near", models.SeverityMedium, 3, 48.8500),
	}

	matches := m.Match(matcherFix(), zones, now)

	require.Len(t, matches, 2)
	assert.Equal(t, "zone-near", matches[0].Zone.ZoneID)
}

func TestMatch_ExcludesExpiredAndInactive(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())
	now := time.Now()

	expired := dangerZone("zone-expired", models.SeverityCritical, 5, 48.8500)
	past := now.Add(-time.Hour)
	expired.ExpiresAt = &past

	inactive := dangerZone("zone-inactive", models.SeverityCritical, 5, 48.8500)
	inactive.IsActive = false

	active := dangerZone("zone-active", models.SeverityLow, 1, 48.8500)

	matches := m.Match(matcherFix(), []*models.Zone{expired, inactive, active}, now)

	require.Len(t, matches, 1)
	assert.Equal(t, "zone-active", matches[0].Zone.ZoneID)
}

func TestMatch_ExcludesOutOfRange(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())
	now := time.Now()

	// 约 1.1km 外，半径 500m 覆盖不到
	far := dangerZone("zone-far", models.SeverityHigh, 3, 48.8600)

	matches := m.Match(matcherFix(), []*models.Zone{far}, now)

	assert.Empty(t, matches)
}

func TestMatch_SkipsInvalidGeometry(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())
	now := time.Now()

	bad := dangerZone("zone-bad", models.SeverityHigh, 3, 48.8500)
	bad.RadiusMeters = 0
	good := dangerZone("zone-good", models.SeverityLow, 1, 48.8500)

	matches := m.Match(matcherFix(), []*models.Zone{bad, good}, now)

	require.Len(t, matches, 1)
	assert.Equal(t, "zone-good", matches[0].Zone.ZoneID)
}

func TestMatch_IgnoresSafeZones(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())
	now := time.Now()

	safe := dangerZone("zone-safe", "", 0, 48.8500)
	safe.Kind = models.ZoneKindSafe

	matches := m.Match(matcherFix(), []*models.Zone{safe}, now)

	assert.Empty(t, matches)
}

func TestPrimary_EmptyMatches(t *testing.T) {
	m := NewDangerMatcher(zap.NewNop())

	assert.Nil(t, m.Primary(nil))
}
