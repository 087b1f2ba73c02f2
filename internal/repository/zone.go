package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// ZoneRepository 区域仓库
type ZoneRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewZoneRepository 创建区域仓库
func NewZoneRepository(db *sql.DB, logger *zap.Logger) *ZoneRepository {
	return &ZoneRepository{
		db:     db,
		logger: logger,
	}
}

const zoneColumns = `
	zone_id, kind, owner_id, name, center_lat, center_lon, radius_meters,
	polygon, is_active, active_from, active_until, severity, confirmations,
	expires_at, notify_on_entry, notify_on_exit, geometry_version
`

// GetZoneByID 根据区域ID获取区域
func (r *ZoneRepository) GetZoneByID(ctx context.Context, zoneID string) (*models.Zone, error) {
	query := `SELECT` + zoneColumns + `FROM zones WHERE zone_id = $1`

	zone, err := r.scanZone(r.db.QueryRowContext(ctx, query, zoneID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("zone not found: %s", zoneID)
		}
		return nil, fmt.Errorf("failed to query zone: %w", err)
	}

	return zone, nil
}

// GetSafeZonesForUser 获取用户的全部活跃安全区
func (r *ZoneRepository) GetSafeZonesForUser(ctx context.Context, userID string) ([]*models.Zone, error) {
	query := `
		SELECT` + zoneColumns + `
		FROM zones
		WHERE kind = 'safe' AND owner_id = $1 AND is_active = TRUE
		ORDER BY zone_id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query safe zones: %w", err)
	}
	defer rows.Close()

	return r.scanZones(rows)
}

// GetActiveDangerZones 获取全部活跃且未过期的危险区
func (r *ZoneRepository) GetActiveDangerZones(ctx context.Context) ([]*models.Zone, error) {
	query := `
		SELECT` + zoneColumns + `
		FROM zones
		WHERE kind = 'danger' AND is_active = TRUE
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY zone_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query danger zones: %w", err)
	}
	defer rows.Close()

	return r.scanZones(rows)
}

// BumpGeometryVersion 区域几何变更时递增版本号
// 派生的成员状态据此失效重建
func (r *ZoneRepository) BumpGeometryVersion(ctx context.Context, zoneID string) error {
	query := `
		UPDATE zones
		SET geometry_version = geometry_version + 1
		WHERE zone_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, zoneID)
	if err != nil {
		return fmt.Errorf("failed to bump geometry version: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("zone not found: %s", zoneID)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanZone 扫描单行区域记录
func (r *ZoneRepository) scanZone(row rowScanner) (*models.Zone, error) {
	var zone models.Zone
	var polygonJSON []byte
	var severity sql.NullString
	var activeFrom, activeUntil, expiresAt sql.NullTime

	err := row.Scan(
		&zone.ZoneID,
		&zone.Kind,
		&zone.OwnerID,
		&zone.Name,
		&zone.CenterLat,
		&zone.CenterLon,
		&zone.RadiusMeters,
		&polygonJSON,
		&zone.IsActive,
		&activeFrom,
		&activeUntil,
		&severity,
		&zone.Confirmations,
		&expiresAt,
		&zone.NotifyOnEntry,
		&zone.NotifyOnExit,
		&zone.GeometryVersion,
	)
	if err != nil {
		return nil, err
	}

	if len(polygonJSON) > 0 {
		if err := json.Unmarshal(polygonJSON, &zone.Polygon); err != nil {
			return nil, fmt.Errorf("failed to unmarshal zone polygon: %w", err)
		}
	}
	if severity.Valid {
		zone.Severity = severity.String
	}
	if activeFrom.Valid {
		zone.ActiveFrom = &activeFrom.Time
	}
	if activeUntil.Valid {
		zone.ActiveUntil = &activeUntil.Time
	}
	if expiresAt.Valid {
		zone.ExpiresAt = &expiresAt.Time
	}

	return &zone, nil
}

// scanZones 扫描多行区域记录
func (r *ZoneRepository) scanZones(rows *sql.Rows) ([]*models.Zone, error) {
	var zones []*models.Zone
	for rows.Next() {
		zone, err := r.scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, zone)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zones: %w", err)
	}

	return zones, nil
}
