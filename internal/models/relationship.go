package models

// 关系状态
const (
	RelationPending  = "pending"
	RelationAccepted = "accepted"
	RelationRefused  = "refused"
	RelationBlocked  = "blocked"
)

// 共享级别
const (
	ShareLevelNone      = "none"       // 不接收任何事件
	ShareLevelAlertOnly = "alert_only" // 仅接收危险告警
	ShareLevelRealTime  = "realtime"   // 接收危险告警和安全区进出事件
)

// Relationship 信任关系（对应 relationships 表）
// 有向：user_id 向 contact_id 共享，受 can_see_me 和 share_level 约束；
// 互信仅指反向边也为 accepted，不参与投递判定
type Relationship struct {
	UserID     string `json:"user_id" db:"user_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`
	Status     string `json:"status" db:"status"`           // pending/accepted/refused/blocked
	ShareLevel string `json:"share_level" db:"share_level"` // none/alert_only/realtime
	CanSeeMe   bool   `json:"can_see_me" db:"can_see_me"`
}
