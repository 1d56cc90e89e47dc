package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/repository"
	"forum_hierarchy/internal/pkg/config"

	"go.uber.org/zap"
)

// Subscriber 主题订阅，由外部实现
type Subscriber interface {
	SetSubscription(ctx context.Context, userID, topicID string, subscribed bool) error
}

// NopSubscriber 默认不做任何事
type NopSubscriber struct{}

func (NopSubscriber) SetSubscription(ctx context.Context, userID, topicID string, subscribed bool) error {
	return nil
}

// CreateForumInput 创建论坛参数
type CreateForumInput struct {
	ParentID string `json:"parentId"`
	Title    string `json:"title" binding:"required"`
	Content  string `json:"content"`
}

// CreateTopicInput 创建主题参数；Anonymous 仅对未登录用户生效
type CreateTopicInput struct {
	ForumID   string                 `json:"forumId" binding:"required"`
	Title     string                 `json:"title" binding:"required"`
	Content   string                 `json:"content"`
	Anonymous *model.AnonymousAuthor `json:"anonymous"`
	Subscribe bool                   `json:"subscribe"`
}

// CreateReplyInput 创建回复参数
type CreateReplyInput struct {
	TopicID   string                 `json:"-"`
	Content   string                 `json:"content" binding:"required"`
	Anonymous *model.AnonymousAuthor `json:"anonymous"`
	Subscribe bool                   `json:"subscribe"`
}

// EditInput 编辑参数；Title / Content 为空表示不修改，RevisionID 为正数时记录修订
type EditInput struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	RevisionID int64  `json:"revisionId"`
	Reason     string `json:"reason"`
}

// MutationResult 一次变更后的节点与传播结果
type MutationResult struct {
	Node        *model.Node      `json:"node,omitempty"`
	Propagation *PropagateResult `json:"propagation,omitempty"`
}

// ForumService 事件调度：按顺序串联检查、持久化、状态机与聚合传播
type ForumService interface {
	CreateForum(ctx context.Context, actor model.Actor, in CreateForumInput) (*MutationResult, error)
	CreateTopic(ctx context.Context, actor model.Actor, in CreateTopicInput) (*MutationResult, error)
	CreateReply(ctx context.Context, actor model.Actor, in CreateReplyInput) (*MutationResult, error)
	Edit(ctx context.Context, actor model.Actor, id string, in EditInput) (*MutationResult, error)

	Spam(ctx context.Context, id string) (*MutationResult, error)
	Unspam(ctx context.Context, id string) (*MutationResult, error)
	Trash(ctx context.Context, id string) (*MutationResult, error)
	Untrash(ctx context.Context, id string) (*MutationResult, error)
	Delete(ctx context.Context, id string) (*MutationResult, error)

	// Refresh 对节点做全量对账
	Refresh(ctx context.Context, id string) (*PropagateResult, error)
	Aggregate(ctx context.Context, id string) (*model.Aggregate, error)
	Revisions(ctx context.Context, id string) ([]model.Revision, error)
	// ReconcileTargets 全部主题与论坛，主题在前
	ReconcileTargets(ctx context.Context) ([]string, error)
}

type forumService struct {
	repo       repository.HierarchyRepository
	aggregates AggregateService
	statuses   StatusService
	revisions  RevisionService
	guard      GuardService
	subscriber Subscriber
	cfg        config.ForumConfig
	log        *zap.Logger
}

// NewForumService subscriber 为 nil 时使用 NopSubscriber
func NewForumService(
	repo repository.HierarchyRepository,
	aggregates AggregateService,
	statuses StatusService,
	revisions RevisionService,
	guard GuardService,
	subscriber Subscriber,
	cfg config.ForumConfig,
	log *zap.Logger,
) ForumService {
	if subscriber == nil {
		subscriber = NopSubscriber{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &forumService{
		repo:       repo,
		aggregates: aggregates,
		statuses:   statuses,
		revisions:  revisions,
		guard:      guard,
		subscriber: subscriber,
		cfg:        cfg,
		log:        log,
	}
}

// authorOf 登录用户为注册作者，否则必须提供匿名名称
func authorOf(actor model.Actor, anon *model.AnonymousAuthor) (model.Author, error) {
	if actor.UserID != "" {
		return model.Registered(actor.UserID), nil
	}
	if anon == nil || strings.TrimSpace(anon.Name) == "" {
		return model.Author{}, fmt.Errorf("%w: anonymous author name is required", model.ErrInvalidInput)
	}
	return model.Anonymous(anon.Name, anon.Email, anon.Website, actor.OriginAddress), nil
}

func (s *forumService) parentOf(ctx context.Context, id string, kind model.Kind) (*model.Node, error) {
	parent, err := s.repo.GetNode(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s does not exist", model.ErrInvalidParent, kind, id)
	}
	if err != nil {
		return nil, err
	}
	if parent.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, expected %s", model.ErrInvalidParent, id, parent.Kind, kind)
	}
	return parent, nil
}

func (s *forumService) CreateForum(ctx context.Context, actor model.Actor, in CreateForumInput) (*MutationResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	if in.ParentID != "" {
		if _, err := s.parentOf(ctx, in.ParentID, model.KindForum); err != nil {
			return nil, err
		}
	}

	forum := &model.Node{
		Kind:     model.KindForum,
		ParentID: in.ParentID,
		Author:   model.Registered(actor.UserID),
		Status:   model.StatusPublished,
		Title:    strings.TrimSpace(in.Title),
		Content:  in.Content,
	}
	if err := s.repo.CreateNode(ctx, forum); err != nil {
		return nil, err
	}

	result, err := s.aggregates.Propagate(ctx, forum.ID, Hints{ForumID: forum.ID}, false)
	return &MutationResult{Node: forum, Propagation: result}, err
}

func (s *forumService) CreateTopic(ctx context.Context, actor model.Actor, in CreateTopicInput) (*MutationResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	if _, err := s.parentOf(ctx, in.ForumID, model.KindForum); err != nil {
		return nil, err
	}
	author, err := authorOf(actor, in.Anonymous)
	if err != nil {
		return nil, err
	}

	topic := &model.Node{
		Kind:     model.KindTopic,
		ParentID: in.ForumID,
		Author:   author,
		Status:   model.StatusPublished,
		Title:    strings.TrimSpace(in.Title),
		Content:  in.Content,
	}
	if err := s.guard.Check(ctx, actor, topic); err != nil {
		return nil, err
	}
	if err := s.repo.CreateNode(ctx, topic); err != nil {
		return nil, err
	}

	associations := map[string]string{model.FieldForumID: in.ForumID}
	if err := s.afterCreate(ctx, actor, topic, topic.ID, associations, in.Subscribe); err != nil {
		return nil, err
	}

	result, err := s.aggregates.Propagate(ctx, topic.ID, Hints{
		Time:    topic.CreatedAt,
		ForumID: in.ForumID,
		TopicID: topic.ID,
	}, false)
	return &MutationResult{Node: topic, Propagation: result}, err
}

func (s *forumService) CreateReply(ctx context.Context, actor model.Actor, in CreateReplyInput) (*MutationResult, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", model.ErrInvalidInput)
	}
	topic, err := s.parentOf(ctx, in.TopicID, model.KindTopic)
	if err != nil {
		return nil, err
	}
	author, err := authorOf(actor, in.Anonymous)
	if err != nil {
		return nil, err
	}

	forumID, _, err := s.repo.GetField(ctx, topic.ID, model.FieldForumID)
	if err != nil {
		return nil, err
	}
	if forumID == "" {
		forumID = topic.ParentID
	}

	reply := &model.Node{
		Kind:     model.KindReply,
		ParentID: topic.ID,
		Author:   author,
		Status:   model.StatusPublished,
		Content:  in.Content,
	}
	if err := s.guard.Check(ctx, actor, reply); err != nil {
		return nil, err
	}
	if err := s.repo.CreateNode(ctx, reply); err != nil {
		return nil, err
	}

	associations := map[string]string{model.FieldTopicID: topic.ID, model.FieldForumID: forumID}
	if err := s.afterCreate(ctx, actor, reply, topic.ID, associations, in.Subscribe); err != nil {
		return nil, err
	}

	// 垃圾 / 回收站中的主题下，新回复继承主题状态
	if reply.Status, err = s.statuses.InheritTopicStatus(ctx, reply, topic); err != nil {
		return nil, err
	}

	result, err := s.aggregates.Propagate(ctx, reply.ID, Hints{
		Time:    reply.CreatedAt,
		ForumID: forumID,
		TopicID: topic.ID,
	}, false)
	return &MutationResult{Node: reply, Propagation: result}, err
}

// afterCreate 写入关联字段、发帖时间与订阅
func (s *forumService) afterCreate(ctx context.Context, actor model.Actor, node *model.Node, topicID string, associations map[string]string, subscribe bool) error {
	if ip := node.Author.OriginAddress(); ip != "" {
		associations[model.FieldAuthorIP] = ip
	} else if actor.OriginAddress != "" {
		associations[model.FieldAuthorIP] = actor.OriginAddress
	}
	for name, value := range associations {
		if value == "" {
			continue
		}
		if err := s.repo.SetField(ctx, node.ID, name, value); err != nil {
			return err
		}
	}

	if err := s.guard.RecordPost(ctx, actor, node.CreatedAt); err != nil {
		// 发帖时间只影响下一次防灌水检查
		s.log.Warn("record post time failed", zap.String("node_id", node.ID), zap.Error(err))
	}

	if actor.UserID != "" {
		if err := s.subscriber.SetSubscription(ctx, actor.UserID, topicID, subscribe); err != nil {
			s.log.Warn("update subscription failed", zap.String("topic_id", topicID), zap.Error(err))
		}
	}

	s.log.Info("node created",
		zap.String("node_id", node.ID),
		zap.String("kind", string(node.Kind)),
		zap.String("parent_id", node.ParentID),
	)
	return nil
}

func (s *forumService) Edit(ctx context.Context, actor model.Actor, id string, in EditInput) (*MutationResult, error) {
	node, err := s.repo.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.HasCapability(s.cfg.ModerateCapability) && (actor.UserID == "" || node.Author.UserID != actor.UserID) {
		return nil, model.ErrForbidden
	}

	title, content := node.Title, node.Content
	if strings.TrimSpace(in.Title) != "" {
		title = strings.TrimSpace(in.Title)
	}
	if in.Content != "" {
		if node.Kind == model.KindReply && strings.TrimSpace(in.Content) == "" {
			return nil, fmt.Errorf("%w: content is required", model.ErrInvalidInput)
		}
		content = in.Content
	}
	if err := s.repo.UpdateContent(ctx, id, title, content); err != nil {
		return nil, err
	}
	if err := s.revisions.AppendRevision(ctx, id, in.RevisionID, actor.UserID, in.Reason); err != nil {
		return nil, err
	}

	// 与创建回复相同：所在主题处于垃圾 / 回收站时回复随之隐藏
	if node.Kind == model.KindReply {
		topic, err := s.repo.GetNode(ctx, node.ParentID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		if topic != nil && topic.Kind == model.KindTopic {
			if _, err := s.statuses.InheritTopicStatus(ctx, node, topic); err != nil {
				return nil, err
			}
		}
	}

	return s.propagated(ctx, id, false)
}

func (s *forumService) Spam(ctx context.Context, id string) (*MutationResult, error) {
	if _, err := s.statuses.Spam(ctx, id); err != nil {
		return nil, err
	}
	return s.propagated(ctx, id, true)
}

func (s *forumService) Unspam(ctx context.Context, id string) (*MutationResult, error) {
	if _, err := s.statuses.Unspam(ctx, id); err != nil {
		return nil, err
	}
	return s.propagated(ctx, id, true)
}

func (s *forumService) Trash(ctx context.Context, id string) (*MutationResult, error) {
	if _, err := s.statuses.Trash(ctx, id); err != nil {
		return nil, err
	}
	return s.propagated(ctx, id, true)
}

func (s *forumService) Untrash(ctx context.Context, id string) (*MutationResult, error) {
	if _, err := s.statuses.Untrash(ctx, id); err != nil {
		return nil, err
	}
	return s.propagated(ctx, id, true)
}

// Delete 删除后从仍存在的父节点开始全量传播
func (s *forumService) Delete(ctx context.Context, id string) (*MutationResult, error) {
	node, err := s.repo.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.statuses.Delete(ctx, id); err != nil {
		return nil, err
	}

	node.Status = model.StatusDeleted
	res := &MutationResult{Node: node}
	if node.ParentID == "" {
		return res, nil
	}
	res.Propagation, err = s.aggregates.Propagate(ctx, node.ParentID, Hints{}, true)
	return res, err
}

// propagated 传播后重新读取节点
func (s *forumService) propagated(ctx context.Context, id string, fullRefresh bool) (*MutationResult, error) {
	result, err := s.aggregates.Propagate(ctx, id, Hints{}, fullRefresh)
	res := &MutationResult{Propagation: result}
	if err != nil {
		return res, err
	}
	if res.Node, err = s.repo.GetNode(ctx, id); err != nil {
		return res, err
	}
	return res, nil
}

func (s *forumService) Refresh(ctx context.Context, id string) (*PropagateResult, error) {
	if _, err := s.repo.GetNode(ctx, id); err != nil {
		return nil, err
	}
	return s.aggregates.Propagate(ctx, id, Hints{}, true)
}

func (s *forumService) Aggregate(ctx context.Context, id string) (*model.Aggregate, error) {
	return s.aggregates.Aggregate(ctx, id)
}

func (s *forumService) Revisions(ctx context.Context, id string) ([]model.Revision, error) {
	if _, err := s.repo.GetNode(ctx, id); err != nil {
		return nil, err
	}
	return s.revisions.Revisions(ctx, id)
}

func (s *forumService) ReconcileTargets(ctx context.Context) ([]string, error) {
	var ids []string
	for _, kind := range []model.Kind{model.KindTopic, model.KindForum} {
		refs, err := s.repo.ListNodes(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			ids = append(ids, ref.ID)
		}
	}
	return ids, nil
}
