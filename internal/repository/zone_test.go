package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"safenest-geofence/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockZoneDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ZoneRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewZoneRepository(db, logger)

	return db, mock, repo
}

func zoneRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"zone_id", "kind", "owner_id", "name", "center_lat", "center_lon",
		"radius_meters", "polygon", "is_active", "active_from", "active_until",
		"severity", "confirmations", "expires_at", "notify_on_entry",
		"notify_on_exit", "geometry_version",
	})
}

func TestGetZoneByID_SafeZoneWithPolygon(t *testing.T) {
	db, mock, repo := setupMockZoneDB(t)
	defer db.Close()

	ctx := context.Background()
	polygonJSON := `[{"lat":48.849,"lon":2.349},{"lat":48.851,"lon":2.349},{"lat":48.851,"lon":2.351}]`

	rows := zoneRows().AddRow(
		"zone-home", "safe", "user-1", "Home", 48.8500, 2.3500,
		150.0, []byte(polygonJSON), true, nil, nil,
		nil, 0, nil, true,
		true, 2,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs("zone-home").
		WillReturnRows(rows)

	zone, err := repo.GetZoneByID(ctx, "zone-home")

	require.NoError(t, err)
	require.NotNil(t, zone)
	assert.Equal(t, models.ZoneKindSafe, zone.Kind)
	assert.Len(t, zone.Polygon, 3)
	assert.True(t, zone.NotifyOnEntry)
	assert.Equal(t, 2, zone.GeometryVersion)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetZoneByID_NotFound(t *testing.T) {
	db, mock, repo := setupMockZoneDB(t)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectQuery(`SELECT`).
		WithArgs("zone-missing").
		WillReturnError(sql.ErrNoRows)

	zone, err := repo.GetZoneByID(ctx, "zone-missing")

	assert.Error(t, err)
	assert.Nil(t, zone)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveDangerZones_Success(t *testing.T) {
	db, mock, repo := setupMockZoneDB(t)
	defer db.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	rows := zoneRows().AddRow(
		"zone-danger", "danger", "reporter-1", "Incident", 48.8600, 2.3600,
		300.0, nil, true, nil, nil,
		"high", 5, expiresAt, false,
		false, 1,
	)

	mock.ExpectQuery(`SELECT`).
		WillReturnRows(rows)

	zones, err := repo.GetActiveDangerZones(ctx)

	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, models.SeverityHigh, zones[0].Severity)
	assert.Equal(t, 5, zones[0].Confirmations)
	assert.NotNil(t, zones[0].ExpiresAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpGeometryVersion_NotFound(t *testing.T) {
	db, mock, repo := setupMockZoneDB(t)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectExec(`UPDATE zones`).
		WithArgs("zone-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.BumpGeometryVersion(ctx, "zone-missing")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, mock.ExpectationsWereMet())
}
