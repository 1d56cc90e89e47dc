package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"forum_hierarchy/internal/domain/forum/model"

	"github.com/google/uuid"
)

type memNode struct {
	node   model.Node
	fields map[string]string
	logs   map[string][]model.LogEntry
}

// MemoryRepository 内存实现，供测试与嵌入式调用使用
type MemoryRepository struct {
	mu       sync.RWMutex
	nodes    map[string]*memNode
	maxDepth int
	now      func() time.Time
}

// NewMemoryRepository 创建内存存储
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nodes:    make(map[string]*memNode),
		maxDepth: DefaultMaxDepth,
		now:      time.Now,
	}
}

func (r *MemoryRepository) GetNode(ctx context.Context, id string) (*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	node := n.node
	return &node, nil
}

func (r *MemoryRepository) GetAncestors(ctx context.Context, id string) ([]model.NodeRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, nil
	}

	seen := map[string]bool{id: true}
	var chain []model.NodeRef
	parentID := n.node.ParentID
	for depth := 0; parentID != "" && depth < r.maxDepth; depth++ {
		if seen[parentID] {
			break
		}
		parent, ok := r.nodes[parentID]
		if !ok {
			break
		}
		seen[parentID] = true
		chain = append(chain, parent.node.Ref())
		parentID = parent.node.ParentID
	}
	return chain, nil
}

func (r *MemoryRepository) GetChildren(ctx context.Context, parentID string, kind model.Kind, statuses ...model.Status) ([]model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var children []model.Node
	for _, n := range r.nodes {
		if n.node.ParentID != parentID || n.node.Kind != kind {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, n.node.Status) {
			continue
		}
		children = append(children, n.node)
	}
	sortByCreation(children)
	return children, nil
}

func (r *MemoryRepository) ListNodes(ctx context.Context, kind model.Kind) ([]model.NodeRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes []model.Node
	for _, n := range r.nodes {
		if n.node.Kind == kind {
			nodes = append(nodes, n.node)
		}
	}
	sortByCreation(nodes)

	refs := make([]model.NodeRef, len(nodes))
	for i := range nodes {
		refs[i] = nodes[i].Ref()
	}
	return refs, nil
}

func (r *MemoryRepository) GetField(ctx context.Context, id, name string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return "", false, nil
	}
	v, ok := n.fields[name]
	return v, ok, nil
}

func (r *MemoryRepository) GetFields(ctx context.Context, id string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fields := make(map[string]string)
	if n, ok := r.nodes[id]; ok {
		for k, v := range n.fields {
			fields[k] = v
		}
	}
	return fields, nil
}

func (r *MemoryRepository) SetField(ctx context.Context, id, name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return model.ErrNotFound
	}
	n.fields[name] = value
	return nil
}

func (r *MemoryRepository) DeleteField(ctx context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[id]; ok {
		delete(n.fields, name)
	}
	return nil
}

func (r *MemoryRepository) AppendToLog(ctx context.Context, id, logName, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return model.ErrNotFound
	}
	entries := n.logs[logName]
	for i := range entries {
		if entries[i].Key == key {
			entries[i].Value = value
			return nil
		}
	}
	n.logs[logName] = append(entries, model.LogEntry{Key: key, Value: value})
	return nil
}

func (r *MemoryRepository) GetLog(ctx context.Context, id, logName string) ([]model.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, nil
	}
	entries := make([]model.LogEntry, len(n.logs[logName]))
	copy(entries, n.logs[logName])
	return entries, nil
}

func (r *MemoryRepository) CreateNode(ctx context.Context, node *model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = r.now()
	}
	if node.Status == "" {
		node.Status = model.StatusPublished
	}
	node.UpdatedAt = node.CreatedAt
	r.nodes[node.ID] = &memNode{
		node:   *node,
		fields: make(map[string]string),
		logs:   make(map[string][]model.LogEntry),
	}
	return nil
}

func (r *MemoryRepository) UpdateContent(ctx context.Context, id, title, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return model.ErrNotFound
	}
	n.node.Title = title
	n.node.Content = content
	n.node.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, status model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return model.ErrNotFound
	}
	n.node.Status = status
	return nil
}

func (r *MemoryRepository) DeleteNode(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return model.ErrNotFound
	}
	delete(r.nodes, id)
	return nil
}

func (r *MemoryRepository) FindDuplicate(ctx context.Context, q DuplicateQuery) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes {
		node := n.node
		if node.Kind != q.Kind || node.ParentID != q.ParentID || node.Content != q.Content {
			continue
		}
		if node.Status == model.StatusTrashed {
			continue
		}
		if !q.Since.IsZero() && node.CreatedAt.Before(q.Since) {
			continue
		}
		if sameSubmitter(node.Author, q.Author) {
			return true, nil
		}
	}
	return false, nil
}

func sameSubmitter(a, b model.Author) bool {
	if a.IsAnonymous() != b.IsAnonymous() {
		return false
	}
	if !a.IsAnonymous() {
		return a.UserID == b.UserID
	}
	return a.Anonymous.Name == b.Anonymous.Name && a.Anonymous.OriginAddress == b.Anonymous.OriginAddress
}

func containsStatus(statuses []model.Status, s model.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func sortByCreation(nodes []model.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
}
