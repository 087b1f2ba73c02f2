package resolver

import (
	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// SharingResolver 共享可见性解析器
// 根据信任关系计算某用户事件的合法接收人。
// 方向固定为 user_id → contact_id，受 can_see_me 与 share_level 约束：
//   - 危险告警：share_level ∈ {alert_only, realtime}
//   - 安全区进出、离区提醒（默认私密）：仅 share_level = realtime
// blocked/refused 一律排除；互信与否不影响投递。
type SharingResolver struct {
	logger *zap.Logger
}

// NewSharingResolver 创建共享解析器
func NewSharingResolver(logger *zap.Logger) *SharingResolver {
	return &SharingResolver{logger: logger}
}

// Recipients 计算事件接收人列表
// relationships 为 ownerID 的全部出边关系
func (r *SharingResolver) Recipients(ownerID string, kind string, relationships []*models.Relationship) []string {
	var recipients []string

	for _, rel := range relationships {
		if rel.UserID != ownerID {
			// 入边关系，方向不符
			continue
		}
		if rel.Status != models.RelationAccepted {
			continue
		}
		if !rel.CanSeeMe {
			continue
		}
		if !shareLevelAllows(rel.ShareLevel, kind) {
			continue
		}
		recipients = append(recipients, rel.ContactID)
	}

	r.logger.Debug("Resolved event recipients",
		zap.String("owner_id", ownerID),
		zap.String("kind", kind),
		zap.Int("recipient_count", len(recipients)),
	)

	return recipients
}

// shareLevelAllows 判定共享级别是否覆盖该通知类型
func shareLevelAllows(shareLevel string, kind string) bool {
	switch kind {
	case models.KindDangerProximity:
		return shareLevel == models.ShareLevelAlertOnly || shareLevel == models.ShareLevelRealTime
	case models.KindSafeZoneEnter, models.KindSafeZoneExit, models.KindOutsideReminder:
		return shareLevel == models.ShareLevelRealTime
	default:
		return false
	}
}
