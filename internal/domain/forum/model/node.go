package model

import (
	"fmt"
	"time"
)

// Kind 节点类型：论坛 / 主题 / 回复
type Kind string

const (
	KindForum Kind = "forum"
	KindTopic Kind = "topic"
	KindReply Kind = "reply"
)

// Valid 是否为合法的节点类型
func (k Kind) Valid() bool {
	switch k {
	case KindForum, KindTopic, KindReply:
		return true
	}
	return false
}

// Status 节点生命周期状态
type Status string

const (
	StatusPublished Status = "publish"
	StatusSpam      Status = "spam"
	StatusTrashed   Status = "trash"
	StatusDeleted   Status = "deleted" // 终态，节点由存储层丢弃
)

// ParseStatus 解析状态字符串
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPublished, StatusSpam, StatusTrashed, StatusDeleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Visible 是否计入可见统计
func (s Status) Visible() bool {
	return s == StatusPublished
}

// Hidden 垃圾或回收站中的节点
func (s Status) Hidden() bool {
	return s == StatusSpam || s == StatusTrashed
}

// Node 内容节点 (论坛 / 主题 / 回复)
type Node struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ParentID  string    `json:"parentId,omitempty"` // 根论坛为空
	Author    Author    `json:"author"`
	Status    Status    `json:"status"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ref 返回节点的 (id, kind) 引用
func (n *Node) Ref() NodeRef {
	return NodeRef{ID: n.ID, Kind: n.Kind}
}

// NodeRef 祖先链上的一个元素
type NodeRef struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// LogEntry 附加在节点上的有序日志条目
type LogEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
