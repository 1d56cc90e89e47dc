package service

import (
	"context"
	"fmt"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/repository"
	"forum_hierarchy/internal/pkg/lock"
	"forum_hierarchy/pkg/metrics"

	"go.uber.org/zap"
)

// StatusService 节点状态机：发布 / 垃圾 / 回收站 / 删除
// 只修改节点自身 (以及主题下的回复)，祖先聚合由调用方传播
type StatusService interface {
	// TransitionStatus 迁移到目标状态；目标为 Published 时按当前状态恢复
	TransitionStatus(ctx context.Context, id string, target model.Status) (model.Status, error)
	Spam(ctx context.Context, id string) (model.Status, error)
	Unspam(ctx context.Context, id string) (model.Status, error)
	Trash(ctx context.Context, id string) (model.Status, error)
	Untrash(ctx context.Context, id string) (model.Status, error)
	// Delete 删除节点及其全部子孙
	Delete(ctx context.Context, id string) error
	// InheritTopicStatus 新回复继承所在主题的垃圾 / 回收站状态
	InheritTopicStatus(ctx context.Context, reply *model.Node, topic *model.Node) (model.Status, error)
}

type statusService struct {
	repo    repository.HierarchyRepository
	locker  lock.KeyedLocker
	metrics *metrics.MetricsCollector
	log     *zap.Logger
}

func NewStatusService(repo repository.HierarchyRepository, locker lock.KeyedLocker, collector *metrics.MetricsCollector, log *zap.Logger) StatusService {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &statusService{repo: repo, locker: locker, metrics: collector, log: log}
}

func (s *statusService) TransitionStatus(ctx context.Context, id string, target model.Status) (model.Status, error) {
	switch target {
	case model.StatusSpam:
		return s.Spam(ctx, id)
	case model.StatusTrashed:
		return s.Trash(ctx, id)
	case model.StatusDeleted:
		if err := s.Delete(ctx, id); err != nil {
			return "", err
		}
		return model.StatusDeleted, nil
	case model.StatusPublished:
		node, err := s.repo.GetNode(ctx, id)
		if err != nil {
			return "", err
		}
		switch node.Status {
		case model.StatusSpam:
			return s.Unspam(ctx, id)
		case model.StatusTrashed:
			return s.Untrash(ctx, id)
		}
		return "", &model.TransitionError{NodeID: id, From: node.Status, To: target}
	}
	return "", fmt.Errorf("unknown target status %q", target)
}

// mutate 在节点状态锁内执行一次迁移
func (s *statusService) mutate(ctx context.Context, id string, fn func(node *model.Node) (model.Status, error)) (model.Status, error) {
	unlock, err := s.locker.Lock(ctx, "status:"+id)
	if err != nil {
		return "", err
	}
	defer unlock()

	node, err := s.repo.GetNode(ctx, id)
	if err != nil {
		return "", err
	}
	from := node.Status
	to, err := fn(node)
	if err != nil {
		return "", err
	}

	s.metrics.RecordTransition(string(from), string(to))
	s.log.Info("status changed",
		zap.String("node_id", id),
		zap.String("kind", string(node.Kind)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return to, nil
}

func (s *statusService) Spam(ctx context.Context, id string) (model.Status, error) {
	return s.mutate(ctx, id, func(node *model.Node) (model.Status, error) {
		if node.Status == model.StatusSpam {
			return "", &model.TransitionError{NodeID: id, From: node.Status, To: model.StatusSpam}
		}
		return model.StatusSpam, s.markSpam(ctx, node)
	})
}

func (s *statusService) markSpam(ctx context.Context, node *model.Node) error {
	if err := s.repo.SetField(ctx, node.ID, model.FieldSpamMetaStatus, string(node.Status)); err != nil {
		return err
	}
	return s.repo.UpdateStatus(ctx, node.ID, model.StatusSpam)
}

func (s *statusService) Unspam(ctx context.Context, id string) (model.Status, error) {
	return s.mutate(ctx, id, func(node *model.Node) (model.Status, error) {
		if node.Status != model.StatusSpam {
			return "", &model.TransitionError{NodeID: id, From: node.Status, To: model.StatusPublished}
		}
		restored, err := s.shadow(ctx, id, model.FieldSpamMetaStatus, model.StatusSpam)
		if err != nil {
			return "", err
		}
		if err := s.repo.UpdateStatus(ctx, id, restored); err != nil {
			return "", err
		}
		return restored, s.repo.DeleteField(ctx, id, model.FieldSpamMetaStatus)
	})
}

func (s *statusService) Trash(ctx context.Context, id string) (model.Status, error) {
	return s.mutate(ctx, id, func(node *model.Node) (model.Status, error) {
		if node.Status == model.StatusTrashed {
			return "", &model.TransitionError{NodeID: id, From: node.Status, To: model.StatusTrashed}
		}
		if err := s.markTrashed(ctx, node); err != nil {
			return "", err
		}
		if node.Kind == model.KindTopic {
			if err := s.trashReplies(ctx, node); err != nil {
				return "", err
			}
		}
		return model.StatusTrashed, nil
	})
}

func (s *statusService) markTrashed(ctx context.Context, node *model.Node) error {
	if err := s.repo.SetField(ctx, node.ID, model.FieldTrashMetaStatus, string(node.Status)); err != nil {
		return err
	}
	return s.repo.UpdateStatus(ctx, node.ID, model.StatusTrashed)
}

// trashReplies 主题进入回收站时，未进回收站的回复按创建顺序一并移入并记录清单
func (s *statusService) trashReplies(ctx context.Context, topic *model.Node) error {
	replies, err := s.repo.GetChildren(ctx, topic.ID, model.KindReply, model.StatusPublished, model.StatusSpam)
	if err != nil {
		return err
	}
	for i := range replies {
		if err := s.trashIntoManifest(ctx, topic.ID, &replies[i]); err != nil {
			return err
		}
	}
	if len(replies) > 0 {
		s.log.Info("topic replies trashed", zap.String("topic_id", topic.ID), zap.Int("count", len(replies)))
	}
	return nil
}

func (s *statusService) trashIntoManifest(ctx context.Context, topicID string, reply *model.Node) error {
	if err := s.markTrashed(ctx, reply); err != nil {
		return err
	}
	return s.repo.AppendToLog(ctx, topicID, model.LogPreTrashedReplies, reply.ID, string(reply.Status))
}

func (s *statusService) Untrash(ctx context.Context, id string) (model.Status, error) {
	return s.mutate(ctx, id, func(node *model.Node) (model.Status, error) {
		if node.Status != model.StatusTrashed {
			return "", &model.TransitionError{NodeID: id, From: node.Status, To: model.StatusPublished}
		}
		restored, err := s.shadow(ctx, id, model.FieldTrashMetaStatus, model.StatusTrashed)
		if err != nil {
			return "", err
		}
		if err := s.repo.UpdateStatus(ctx, id, restored); err != nil {
			return "", err
		}
		return restored, s.repo.DeleteField(ctx, id, model.FieldTrashMetaStatus)
	})
}

// shadow 读取保存的前一状态，缺失或无效时回退为 Published
func (s *statusService) shadow(ctx context.Context, id, field string, self model.Status) (model.Status, error) {
	value, ok, err := s.repo.GetField(ctx, id, field)
	if err != nil {
		return "", err
	}
	if !ok {
		return model.StatusPublished, nil
	}
	status, err := model.ParseStatus(value)
	if err != nil || status == self || status == model.StatusDeleted {
		s.log.Warn("invalid shadow status, falling back to publish",
			zap.String("node_id", id), zap.String("field", field), zap.String("value", value))
		return model.StatusPublished, nil
	}
	return status, nil
}

func (s *statusService) Delete(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(node *model.Node) (model.Status, error) {
		return model.StatusDeleted, s.deleteTree(ctx, node.ID, 0)
	})
	return err
}

// deleteTree 先删除子孙再删除节点本身
func (s *statusService) deleteTree(ctx context.Context, id string, depth int) error {
	if depth > repository.DefaultMaxDepth {
		return fmt.Errorf("delete %s: hierarchy deeper than %d", id, repository.DefaultMaxDepth)
	}
	for _, kind := range []model.Kind{model.KindReply, model.KindTopic, model.KindForum} {
		children, err := s.repo.GetChildren(ctx, id, kind)
		if err != nil {
			return err
		}
		for i := range children {
			if err := s.deleteTree(ctx, children[i].ID, depth+1); err != nil {
				return err
			}
		}
	}
	return s.repo.DeleteNode(ctx, id)
}

func (s *statusService) InheritTopicStatus(ctx context.Context, reply *model.Node, topic *model.Node) (model.Status, error) {
	if topic == nil || reply.Status != model.StatusPublished {
		return reply.Status, nil
	}
	switch topic.Status {
	case model.StatusSpam:
		return s.Spam(ctx, reply.ID)
	case model.StatusTrashed:
		return s.mutate(ctx, reply.ID, func(node *model.Node) (model.Status, error) {
			return model.StatusTrashed, s.trashIntoManifest(ctx, topic.ID, node)
		})
	}
	return reply.Status, nil
}
