package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/repository"
	"forum_hierarchy/internal/pkg/lock"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// tree 在内存存储上搭建测试用的层级
type tree struct {
	t    *testing.T
	ctx  context.Context
	repo *repository.MemoryRepository
}

func newTree(t *testing.T) *tree {
	return &tree{t: t, ctx: context.Background(), repo: repository.NewMemoryRepository()}
}

func (tr *tree) add(id string, kind model.Kind, parentID string, author model.Author, status model.Status, at time.Time) *model.Node {
	tr.t.Helper()
	n := &model.Node{
		ID:        id,
		Kind:      kind,
		ParentID:  parentID,
		Author:    author,
		Status:    status,
		Content:   "content of " + id,
		CreatedAt: at,
	}
	require.NoError(tr.t, tr.repo.CreateNode(tr.ctx, n))
	return n
}

func (tr *tree) forum(id, parentID string) *model.Node {
	return tr.add(id, model.KindForum, parentID, model.Registered("admin"), model.StatusPublished, t0)
}

func (tr *tree) topic(id, forumID string, at time.Time) *model.Node {
	return tr.add(id, model.KindTopic, forumID, model.Registered("u-"+id), model.StatusPublished, at)
}

func (tr *tree) reply(id, topicID, userID string, status model.Status, at time.Time) *model.Node {
	return tr.add(id, model.KindReply, topicID, model.Registered(userID), status, at)
}

func (tr *tree) field(id, name string) string {
	tr.t.Helper()
	v, _, err := tr.repo.GetField(tr.ctx, id, name)
	require.NoError(tr.t, err)
	return v
}

func (tr *tree) status(id string) model.Status {
	tr.t.Helper()
	n, err := tr.repo.GetNode(tr.ctx, id)
	require.NoError(tr.t, err)
	return n.Status
}

func (tr *tree) aggregates() AggregateService {
	return NewAggregateService(tr.repo, lock.NewMemoryLocker(), nil, nil)
}

func (tr *tree) statuses() StatusService {
	return NewStatusService(tr.repo, lock.NewMemoryLocker(), nil, nil)
}

var errStoreDown = errors.New("connection reset")

// failingRepo 对指定节点的字段写入返回存储错误
type failingRepo struct {
	*repository.MemoryRepository
	failID string
}

func (r *failingRepo) SetField(ctx context.Context, id, name, value string) error {
	if id == r.failID {
		return model.NewStoreError("set field "+name, id, errStoreDown)
	}
	return r.MemoryRepository.SetField(ctx, id, name, value)
}
