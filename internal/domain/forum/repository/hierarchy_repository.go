package repository

import (
	"context"
	"errors"
	"time"

	"forum_hierarchy/internal/domain/forum/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxDepth 祖先链遍历的最大深度
const DefaultMaxDepth = 64

// DuplicateQuery 重复内容查询条件
type DuplicateQuery struct {
	Kind     model.Kind
	ParentID string
	Author   model.Author
	Content  string
	Since    time.Time // 零值表示不限时间
}

// HierarchyRepository 内容层级存储接口
type HierarchyRepository interface {
	GetNode(ctx context.Context, id string) (*model.Node, error)
	// GetAncestors 返回祖先链，由近及远，根在最后；不含节点自身
	GetAncestors(ctx context.Context, id string) ([]model.NodeRef, error)
	// GetChildren 按创建顺序返回子节点；statuses 为空时不过滤
	GetChildren(ctx context.Context, parentID string, kind model.Kind, statuses ...model.Status) ([]model.Node, error)
	ListNodes(ctx context.Context, kind model.Kind) ([]model.NodeRef, error)

	GetField(ctx context.Context, id, name string) (string, bool, error)
	// GetFields 一次读取节点全部附加字段
	GetFields(ctx context.Context, id string) (map[string]string, error)
	SetField(ctx context.Context, id, name, value string) error
	DeleteField(ctx context.Context, id, name string) error
	AppendToLog(ctx context.Context, id, logName, key, value string) error
	GetLog(ctx context.Context, id, logName string) ([]model.LogEntry, error)

	CreateNode(ctx context.Context, node *model.Node) error
	UpdateContent(ctx context.Context, id, title, content string) error
	UpdateStatus(ctx context.Context, id string, status model.Status) error
	// DeleteNode 删除节点并丢弃其附加数据
	DeleteNode(ctx context.Context, id string) error
	FindDuplicate(ctx context.Context, q DuplicateQuery) (bool, error)
}

type hierarchyRepository struct {
	db       *gorm.DB
	maxDepth int
}

// NewHierarchyRepository 创建基于 gorm 的存储实现
func NewHierarchyRepository(db *gorm.DB, maxDepth int) HierarchyRepository {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &hierarchyRepository{db: db, maxDepth: maxDepth}
}

func wrapErr(op, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return model.NewStoreError(op, id, err)
}

// --- Node ---

func (r *hierarchyRepository) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var row model.ContentNode
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, wrapErr("get node", id, err)
	}
	return row.ToNode(), nil
}

const ancestorsSQL = `
WITH RECURSIVE chain AS (
	SELECT id, kind, parent_id, 0 AS depth
	FROM content_nodes
	WHERE id = ? AND deleted_at IS NULL
	UNION ALL
	SELECT n.id, n.kind, n.parent_id, c.depth + 1
	FROM content_nodes n
	JOIN chain c ON n.id = c.parent_id
	WHERE n.deleted_at IS NULL AND c.depth < ?
)
SELECT id, kind FROM chain WHERE depth > 0 ORDER BY depth`

func (r *hierarchyRepository) GetAncestors(ctx context.Context, id string) ([]model.NodeRef, error) {
	var rows []model.NodeRef
	if err := r.db.WithContext(ctx).Raw(ancestorsSQL, id, r.maxDepth).Scan(&rows).Error; err != nil {
		return nil, wrapErr("get ancestors", id, err)
	}

	// 深度上限保证有限，遇到重复节点即视为成环并截断
	seen := map[string]bool{id: true}
	chain := make([]model.NodeRef, 0, len(rows))
	for _, ref := range rows {
		if seen[ref.ID] {
			break
		}
		seen[ref.ID] = true
		chain = append(chain, ref)
	}
	return chain, nil
}

func (r *hierarchyRepository) GetChildren(ctx context.Context, parentID string, kind model.Kind, statuses ...model.Status) ([]model.Node, error) {
	var rows []model.ContentNode
	query := r.db.WithContext(ctx).Where("parent_id = ? AND kind = ?", parentID, string(kind))
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		query = query.Where("status IN ?", values)
	}
	if err := query.Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, wrapErr("get children", parentID, err)
	}

	nodes := make([]model.Node, len(rows))
	for i := range rows {
		nodes[i] = *rows[i].ToNode()
	}
	return nodes, nil
}

func (r *hierarchyRepository) ListNodes(ctx context.Context, kind model.Kind) ([]model.NodeRef, error) {
	var refs []model.NodeRef
	err := r.db.WithContext(ctx).Model(&model.ContentNode{}).
		Select("id", "kind").
		Where("kind = ?", string(kind)).
		Order("created_at asc").
		Scan(&refs).Error
	if err != nil {
		return nil, wrapErr("list nodes", "", err)
	}
	return refs, nil
}

func (r *hierarchyRepository) CreateNode(ctx context.Context, node *model.Node) error {
	row := model.NewContentNode(node)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return wrapErr("create node", node.ID, err)
	}
	node.ID = row.ID
	node.CreatedAt = row.CreatedAt
	node.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *hierarchyRepository) UpdateContent(ctx context.Context, id, title, content string) error {
	result := r.db.WithContext(ctx).Model(&model.ContentNode{}).Where("id = ?", id).
		Updates(map[string]interface{}{"title": title, "content": content})
	if result.Error != nil {
		return wrapErr("update content", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *hierarchyRepository) UpdateStatus(ctx context.Context, id string, status model.Status) error {
	result := r.db.WithContext(ctx).Model(&model.ContentNode{}).Where("id = ?", id).
		Update("status", string(status))
	if result.Error != nil {
		return wrapErr("update status", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *hierarchyRepository) DeleteNode(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("node_id = ?", id).Delete(&model.NodeMeta{}).Error; err != nil {
			return err
		}
		if err := tx.Where("node_id = ?", id).Delete(&model.NodeLogEntry{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&model.ContentNode{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
	return wrapErr("delete node", id, err)
}

func (r *hierarchyRepository) FindDuplicate(ctx context.Context, q DuplicateQuery) (bool, error) {
	query := r.db.WithContext(ctx).Model(&model.ContentNode{}).
		Where("kind = ? AND parent_id = ? AND content = ? AND status <> ?",
			string(q.Kind), q.ParentID, q.Content, string(model.StatusTrashed))

	if q.Author.IsAnonymous() {
		query = query.Where("author_id IS NULL AND author_name = ? AND author_ip = ?",
			q.Author.Anonymous.Name, q.Author.Anonymous.OriginAddress)
	} else {
		query = query.Where("author_id = ?", q.Author.UserID)
	}
	if !q.Since.IsZero() {
		query = query.Where("created_at >= ?", q.Since)
	}

	var ids []string
	if err := query.Limit(1).Pluck("id", &ids).Error; err != nil {
		return false, wrapErr("find duplicate", q.ParentID, err)
	}
	return len(ids) > 0, nil
}

// --- Meta ---

func (r *hierarchyRepository) GetField(ctx context.Context, id, name string) (string, bool, error) {
	var row model.NodeMeta
	err := r.db.WithContext(ctx).Where("node_id = ? AND meta_key = ?", id, name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get field "+name, id, err)
	}
	return row.MetaValue, true, nil
}

func (r *hierarchyRepository) GetFields(ctx context.Context, id string) (map[string]string, error) {
	var rows []model.NodeMeta
	if err := r.db.WithContext(ctx).Where("node_id = ?", id).Find(&rows).Error; err != nil {
		return nil, wrapErr("get fields", id, err)
	}
	fields := make(map[string]string, len(rows))
	for _, row := range rows {
		fields[row.MetaKey] = row.MetaValue
	}
	return fields, nil
}

func (r *hierarchyRepository) SetField(ctx context.Context, id, name, value string) error {
	row := model.NodeMeta{NodeID: id, MetaKey: name, MetaValue: value}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value", "updated_at"}),
	}).Create(&row).Error
	return wrapErr("set field "+name, id, err)
}

func (r *hierarchyRepository) DeleteField(ctx context.Context, id, name string) error {
	err := r.db.WithContext(ctx).Where("node_id = ? AND meta_key = ?", id, name).Delete(&model.NodeMeta{}).Error
	return wrapErr("delete field "+name, id, err)
}

// --- Log ---

// AppendToLog 已存在的 key 原位覆盖，保持插入顺序
func (r *hierarchyRepository) AppendToLog(ctx context.Context, id, logName, key, value string) error {
	row := model.NodeLogEntry{NodeID: id, LogName: logName, EntryKey: key, EntryValue: value}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "log_name"}, {Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value"}),
	}).Create(&row).Error
	return wrapErr("append log "+logName, id, err)
}

func (r *hierarchyRepository) GetLog(ctx context.Context, id, logName string) ([]model.LogEntry, error) {
	var rows []model.NodeLogEntry
	err := r.db.WithContext(ctx).Where("node_id = ? AND log_name = ?", id, logName).Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, wrapErr("get log "+logName, id, err)
	}
	entries := make([]model.LogEntry, len(rows))
	for i, row := range rows {
		entries[i] = model.LogEntry{Key: row.EntryKey, Value: row.EntryValue}
	}
	return entries, nil
}
