package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel 内容表公共列，UUID 主键。
// DeletedAt 为 gorm 软删除标记：Delete 只写入 deleted_at，
// 手写 SQL (如祖先链递归查询) 需自行带上 deleted_at IS NULL。
// 该列不对外输出，已删除节点对调用方等同于不存在。
type BaseModel struct {
	ID        string         `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate 未指定 ID 时生成 UUID，时间统一为 UTC
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if !b.CreatedAt.IsZero() {
		b.CreatedAt = b.CreatedAt.UTC()
	}
	return nil
}

// Deleted 是否已被软删除
func (b *BaseModel) Deleted() bool {
	return b.DeletedAt.Valid
}
