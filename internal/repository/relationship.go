package repository

import (
	"context"
	"database/sql"
	"fmt"

	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// RelationshipRepository 信任关系仓库
type RelationshipRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRelationshipRepository 创建信任关系仓库
func NewRelationshipRepository(db *sql.DB, logger *zap.Logger) *RelationshipRepository {
	return &RelationshipRepository{
		db:     db,
		logger: logger,
	}
}

// GetOutboundRelationships 获取用户的全部出边关系（user_id → contact_id）
// 共享解析器在其上做状态/级别过滤
func (r *RelationshipRepository) GetOutboundRelationships(ctx context.Context, userID string) ([]*models.Relationship, error) {
	query := `
		SELECT user_id, contact_id, status, share_level, can_see_me
		FROM relationships
		WHERE user_id = $1
		ORDER BY contact_id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var relationships []*models.Relationship
	for rows.Next() {
		var rel models.Relationship
		err := rows.Scan(
			&rel.UserID,
			&rel.ContactID,
			&rel.Status,
			&rel.ShareLevel,
			&rel.CanSeeMe,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		relationships = append(relationships, &rel)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relationships: %w", err)
	}

	return relationships, nil
}
