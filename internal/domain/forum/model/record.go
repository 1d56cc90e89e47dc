package model

import (
	"time"

	baseModel "forum_hierarchy/pkg/model"
)

// ContentNode 内容节点表
type ContentNode struct {
	baseModel.BaseModel
	Kind          string  `gorm:"type:varchar(16);not null;index:idx_content_nodes_parent_kind,priority:2" json:"kind"`
	ParentID      *string `gorm:"type:uuid;index:idx_content_nodes_parent_kind,priority:1" json:"parentId"`
	Status        string  `gorm:"type:varchar(16);not null;default:'publish'" json:"status"`
	AuthorID      *string `gorm:"type:varchar(64);index" json:"authorId"`
	AuthorName    string  `gorm:"type:varchar(100)" json:"authorName"`
	AuthorEmail   string  `gorm:"type:varchar(255)" json:"authorEmail"`
	AuthorWebsite string  `gorm:"type:varchar(255)" json:"authorWebsite"`
	AuthorIP      string  `gorm:"type:varchar(64)" json:"authorIp"`
	Title         string  `gorm:"type:varchar(255)" json:"title"`
	Content       string  `gorm:"type:text" json:"content"`
}

func (ContentNode) TableName() string { return "content_nodes" }

// NodeMeta 节点附加字段 (key-value)
type NodeMeta struct {
	ID        uint   `gorm:"primaryKey"`
	NodeID    string `gorm:"type:uuid;not null;uniqueIndex:uq_node_meta_key,priority:1"`
	MetaKey   string `gorm:"type:varchar(64);not null;uniqueIndex:uq_node_meta_key,priority:2"`
	MetaValue string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (NodeMeta) TableName() string { return "node_meta" }

// NodeLogEntry 节点附加日志，按 ID 顺序即插入顺序
type NodeLogEntry struct {
	ID         uint   `gorm:"primaryKey"`
	NodeID     string `gorm:"type:uuid;not null;uniqueIndex:uq_node_log_entry,priority:1"`
	LogName    string `gorm:"type:varchar(64);not null;uniqueIndex:uq_node_log_entry,priority:2"`
	EntryKey   string `gorm:"type:varchar(64);not null;uniqueIndex:uq_node_log_entry,priority:3"`
	EntryValue string `gorm:"type:text;not null"`
	CreatedAt  time.Time
}

func (NodeLogEntry) TableName() string { return "node_logs" }

// ToNode 表记录转领域节点
func (r *ContentNode) ToNode() *Node {
	n := &Node{
		ID:        r.ID,
		Kind:      Kind(r.Kind),
		Status:    Status(r.Status),
		Title:     r.Title,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Deleted() {
		n.Status = StatusDeleted
	}
	if r.ParentID != nil {
		n.ParentID = *r.ParentID
	}
	if r.AuthorID != nil && *r.AuthorID != "" {
		n.Author = Registered(*r.AuthorID)
	} else if r.AuthorName != "" || r.AuthorIP != "" {
		n.Author = Anonymous(r.AuthorName, r.AuthorEmail, r.AuthorWebsite, r.AuthorIP)
	}
	return n
}

// NewContentNode 领域节点转表记录
func NewContentNode(n *Node) *ContentNode {
	r := &ContentNode{
		Kind:    string(n.Kind),
		Status:  string(n.Status),
		Title:   n.Title,
		Content: n.Content,
	}
	r.ID = n.ID
	if !n.CreatedAt.IsZero() {
		r.CreatedAt = n.CreatedAt
	}
	if n.ParentID != "" {
		parent := n.ParentID
		r.ParentID = &parent
	}
	if n.Author.IsAnonymous() {
		r.AuthorName = n.Author.Anonymous.Name
		r.AuthorEmail = n.Author.Anonymous.Email
		r.AuthorWebsite = n.Author.Anonymous.Website
		r.AuthorIP = n.Author.Anonymous.OriginAddress
	} else if n.Author.UserID != "" {
		uid := n.Author.UserID
		r.AuthorID = &uid
	}
	return r
}

// Revision 修订日志条目
type Revision struct {
	ID       int64  `json:"id"`
	AuthorID string `json:"authorId"`
	Reason   string `json:"reason"`
}
