package model

import (
	"strconv"
	"time"
)

// 节点附加字段名
const (
	FieldLastTopicID      = "last_topic_id"
	FieldLastReplyID      = "last_reply_id"
	FieldLastActiveID     = "last_active_id"
	FieldLastActiveTime   = "last_active_time"
	FieldReplyCount       = "reply_count"
	FieldHiddenReplyCount = "hidden_reply_count"
	FieldVoiceCount       = "voice_count"
	FieldTopicCount       = "topic_count"

	FieldSpamMetaStatus  = "spam_meta_status"  // 标记为垃圾前的状态
	FieldTrashMetaStatus = "trash_meta_status" // 移入回收站前的状态

	FieldTopicID  = "topic_id"
	FieldForumID  = "forum_id"
	FieldAuthorIP = "author_ip"
)

// 节点附加日志名
const (
	LogRevisions         = "revision_log"
	LogPreTrashedReplies = "pre_trashed_replies"
)

// Aggregate 节点的派生聚合数据
type Aggregate struct {
	NodeID           string    `json:"nodeId"`
	Kind             Kind      `json:"kind"`
	LastTopicID      string    `json:"lastTopicId,omitempty"`
	LastReplyID      string    `json:"lastReplyId,omitempty"`
	LastActiveID     string    `json:"lastActiveId,omitempty"`
	LastActiveTime   time.Time `json:"lastActiveTime"`
	ReplyCount       int64     `json:"replyCount"`
	HiddenReplyCount int64     `json:"hiddenReplyCount"`
	VoiceCount       int64     `json:"voiceCount"`
	TopicCount       int64     `json:"topicCount"`
}

// FormatTime 时间字段统一以 UTC RFC3339Nano 存储
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime 解析时间字段，空值返回零值
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// FormatCount 计数字段编码
func FormatCount(n int64) string {
	return strconv.FormatInt(n, 10)
}

// ParseCount 解析计数字段，空值返回 0
func ParseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
