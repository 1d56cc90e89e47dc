package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/repository"
	"forum_hierarchy/internal/pkg/lock"
	"forum_hierarchy/pkg/metrics"

	"go.uber.org/zap"
)

// Hints 调用方已知的上下文，缺省时由引擎自行解析
type Hints struct {
	Time    time.Time // 最后活跃时间，零值表示未提供
	ForumID string
	TopicID string
}

// PropagateResult 一次祖先链传播的结果
type PropagateResult struct {
	LeafID      string   `json:"leafId"`
	LeafMissing bool     `json:"leafMissing,omitempty"` // 叶子不存在，未做任何事
	TopicID     string   `json:"topicId,omitempty"`
	ForumID     string   `json:"forumId,omitempty"`
	Updated     []string `json:"updated"`
	Skipped     []string `json:"skipped,omitempty"`   // 链中的回复节点，暂不聚合
	StoppedAt   string   `json:"stoppedAt,omitempty"` // 链中缺失的祖先，之后不再向上
}

// PropagateError 部分祖先已更新，FailedID 处失败；整体重试是安全的
type PropagateError struct {
	Updated  []string
	FailedID string
	Err      error
}

func (e *PropagateError) Error() string {
	return fmt.Sprintf("propagate: updated %d ancestors, %s failed: %v", len(e.Updated), e.FailedID, e.Err)
}

func (e *PropagateError) Unwrap() error { return e.Err }

// AggregateService 聚合引擎
type AggregateService interface {
	// Propagate 重新计算 leafID 所有祖先的派生聚合
	Propagate(ctx context.Context, leafID string, hints Hints, fullRefresh bool) (*PropagateResult, error)
	// Aggregate 读取节点当前存储的派生聚合
	Aggregate(ctx context.Context, id string) (*model.Aggregate, error)
}

type aggregateService struct {
	repo    repository.HierarchyRepository
	locker  lock.KeyedLocker
	metrics *metrics.MetricsCollector
	log     *zap.Logger
}

// NewAggregateService 创建聚合引擎；collector 与 log 可为 nil
func NewAggregateService(repo repository.HierarchyRepository, locker lock.KeyedLocker, collector *metrics.MetricsCollector, log *zap.Logger) AggregateService {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &aggregateService{repo: repo, locker: locker, metrics: collector, log: log}
}

// walk 一次传播过程中的共享状态
type walk struct {
	leaf        *model.Node
	hints       Hints
	fullRefresh bool
	topicID     string
	forumID     string
	// 叶子指针可作为提示写入祖先 (非全量刷新、叶子可见且不是论坛)
	hintable bool
	leafTime time.Time
}

func (s *aggregateService) Propagate(ctx context.Context, leafID string, hints Hints, fullRefresh bool) (*PropagateResult, error) {
	start := time.Now()
	result, err := s.propagate(ctx, leafID, hints, fullRefresh)
	s.metrics.RecordPropagation(fullRefresh, err == nil, time.Since(start))
	if err != nil {
		s.log.Warn("propagate failed", zap.String("leaf_id", leafID), zap.Bool("full_refresh", fullRefresh), zap.Error(err))
	}
	return result, err
}

func (s *aggregateService) propagate(ctx context.Context, leafID string, hints Hints, fullRefresh bool) (*PropagateResult, error) {
	result := &PropagateResult{LeafID: leafID, Updated: []string{}}

	leaf, err := s.repo.GetNode(ctx, leafID)
	if errors.Is(err, model.ErrNotFound) {
		result.LeafMissing = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	w := &walk{leaf: leaf, hints: hints, fullRefresh: fullRefresh}
	if err := s.resolve(ctx, w); err != nil {
		return nil, err
	}
	result.TopicID, result.ForumID = w.topicID, w.forumID

	w.hintable = !fullRefresh && leaf.Status.Visible() && leaf.Kind != model.KindForum
	w.leafTime = leaf.CreatedAt
	if !hints.Time.IsZero() {
		w.leafTime = hints.Time
	}

	ancestors, err := s.ancestorSet(ctx, w)
	if err != nil {
		return nil, err
	}

	topicVisible := true
	for _, id := range ancestors {
		node, err := s.repo.GetNode(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			result.StoppedAt = id
			break
		}
		if err != nil {
			return result, &PropagateError{Updated: result.Updated, FailedID: id, Err: err}
		}

		switch node.Kind {
		case model.KindTopic:
			if node.ID == w.topicID {
				topicVisible = node.Status.Visible()
			}
			err = s.withLock(ctx, node.ID, func() error { return s.updateTopic(ctx, w, node) })
		case model.KindForum:
			err = s.withLock(ctx, node.ID, func() error { return s.updateForum(ctx, w, node, topicVisible) })
		case model.KindReply:
			// 嵌套回复预留，目前不聚合
			result.Skipped = append(result.Skipped, node.ID)
			continue
		default:
			err = fmt.Errorf("unknown node kind %q", node.Kind)
		}
		if err != nil {
			return result, &PropagateError{Updated: result.Updated, FailedID: node.ID, Err: err}
		}

		result.Updated = append(result.Updated, node.ID)
		s.metrics.RecordAncestorUpdate(string(node.Kind))
	}

	s.log.Debug("propagated",
		zap.String("leaf_id", leafID),
		zap.Strings("updated", result.Updated),
		zap.Bool("full_refresh", fullRefresh),
	)
	return result, nil
}

func (s *aggregateService) withLock(ctx context.Context, id string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// resolve 依次使用提示、节点关联字段、祖先链确定 topic 与 forum
func (s *aggregateService) resolve(ctx context.Context, w *walk) error {
	leaf := w.leaf
	var chain []model.NodeRef
	chainLoaded := false
	nearest := func(kind model.Kind) (string, error) {
		if !chainLoaded {
			var err error
			if chain, err = s.repo.GetAncestors(ctx, leaf.ID); err != nil {
				return "", err
			}
			chainLoaded = true
		}
		for _, ref := range chain {
			if ref.Kind == kind {
				return ref.ID, nil
			}
		}
		return "", nil
	}
	stored := func(field string) (string, error) {
		v, _, err := s.repo.GetField(ctx, leaf.ID, field)
		return v, err
	}

	var err error
	switch leaf.Kind {
	case model.KindForum:
		w.forumID = leaf.ID
		return nil
	case model.KindTopic:
		w.topicID = leaf.ID
	default:
		w.topicID = w.hints.TopicID
		if w.topicID == "" {
			if w.topicID, err = stored(model.FieldTopicID); err != nil {
				return err
			}
		}
		if w.topicID == "" {
			if w.topicID, err = nearest(model.KindTopic); err != nil {
				return err
			}
		}
	}

	w.forumID = w.hints.ForumID
	if w.forumID == "" {
		if w.forumID, err = stored(model.FieldForumID); err != nil {
			return err
		}
	}
	if w.forumID == "" {
		w.forumID, err = nearest(model.KindForum)
	}
	return err
}

// ancestorSet {topic, forum} ∪ topic 的祖先链，去重，由近及远
func (s *aggregateService) ancestorSet(ctx context.Context, w *walk) ([]string, error) {
	base := w.topicID
	if base == "" {
		base = w.forumID
	}
	if base == "" {
		return nil, nil
	}

	chain, err := s.repo.GetAncestors(ctx, base)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(chain)+2)
	ids := make([]string, 0, len(chain)+2)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(base)
	for _, ref := range chain {
		add(ref.ID)
	}
	add(w.forumID)
	return ids, nil
}

// acceptHint 叶子不早于祖先当前的最后活跃时间时才使用提示指针
func (s *aggregateService) acceptHint(w *walk, fields map[string]string) bool {
	if !w.hintable {
		return false
	}
	stored, err := model.ParseTime(fields[model.FieldLastActiveTime])
	if err != nil || stored.IsZero() {
		return true
	}
	return !w.leafTime.Before(stored)
}

// --- Topic ---

func (s *aggregateService) updateTopic(ctx context.Context, w *walk, topic *model.Node) error {
	agg, err := s.computeTopic(ctx, topic)
	if err != nil {
		return err
	}

	if !w.fullRefresh && topic.ID == w.topicID {
		fields, err := s.repo.GetFields(ctx, topic.ID)
		if err != nil {
			return err
		}
		if s.acceptHint(w, fields) {
			if w.leaf.Kind == model.KindReply {
				agg.LastReplyID = w.leaf.ID
			}
			agg.LastActiveID = w.leaf.ID
			agg.LastActiveTime = w.leafTime
		}
	}

	return s.writeFields(ctx, topic.ID, map[string]string{
		model.FieldLastReplyID:      agg.LastReplyID,
		model.FieldLastActiveID:     agg.LastActiveID,
		model.FieldLastActiveTime:   model.FormatTime(agg.LastActiveTime),
		model.FieldReplyCount:       model.FormatCount(agg.ReplyCount),
		model.FieldHiddenReplyCount: model.FormatCount(agg.HiddenReplyCount),
		model.FieldVoiceCount:       model.FormatCount(agg.VoiceCount),
	})
}

// computeTopic 完全由子回复的当前状态计算主题聚合
func (s *aggregateService) computeTopic(ctx context.Context, topic *model.Node) (*model.Aggregate, error) {
	replies, err := s.repo.GetChildren(ctx, topic.ID, model.KindReply)
	if err != nil {
		return nil, err
	}

	agg := &model.Aggregate{
		NodeID:         topic.ID,
		Kind:           model.KindTopic,
		LastActiveID:   topic.ID,
		LastActiveTime: topic.CreatedAt,
	}
	voices := make(map[string]struct{})
	for i := range replies {
		reply := &replies[i]
		switch {
		case reply.Status.Visible():
			agg.ReplyCount++
			voices[reply.Author.Key()] = struct{}{}
			// 子节点按创建顺序返回，最后一个可见回复即最新
			agg.LastReplyID = reply.ID
			agg.LastActiveID = reply.ID
			agg.LastActiveTime = reply.CreatedAt
		case reply.Status.Hidden():
			agg.HiddenReplyCount++
		}
	}
	agg.VoiceCount = int64(len(voices))
	return agg, nil
}

// --- Forum ---

// activity 论坛最后活跃候选
type activity struct {
	topicID  string
	activeID string
	time     time.Time
}

// newestReply 跟踪子孙中最新的可见回复，与最后活跃候选分开比较
type newestReply struct {
	id   string
	time time.Time
}

func (n *newestReply) consider(id string, at time.Time) {
	if id == "" {
		return
	}
	if n.id == "" || at.After(n.time) {
		n.id, n.time = id, at
	}
}

func (s *aggregateService) updateForum(ctx context.Context, w *walk, forum *model.Node, topicVisible bool) error {
	agg, err := s.computeForum(ctx, forum, w.fullRefresh)
	if err != nil {
		return err
	}

	if !w.fullRefresh && topicVisible && w.topicID != "" {
		fields, err := s.repo.GetFields(ctx, forum.ID)
		if err != nil {
			return err
		}
		if s.acceptHint(w, fields) {
			agg.LastTopicID = w.topicID
			// 新主题不改变最新回复
			if w.leaf.Kind == model.KindReply {
				agg.LastReplyID = w.leaf.ID
			}
			agg.LastActiveID = w.leaf.ID
			agg.LastActiveTime = w.leafTime
		}
	}

	return s.writeFields(ctx, forum.ID, map[string]string{
		model.FieldLastTopicID:    agg.LastTopicID,
		model.FieldLastReplyID:    agg.LastReplyID,
		model.FieldLastActiveID:   agg.LastActiveID,
		model.FieldLastActiveTime: model.FormatTime(agg.LastActiveTime),
		model.FieldReplyCount:     model.FormatCount(agg.ReplyCount),
		model.FieldTopicCount:     model.FormatCount(agg.TopicCount),
	})
}

// computeForum 汇总可见子主题与子论坛；全量刷新时子主题从回复重新计算，
// 否则读取子主题已存储的聚合
func (s *aggregateService) computeForum(ctx context.Context, forum *model.Node, fullRefresh bool) (*model.Aggregate, error) {
	agg := &model.Aggregate{
		NodeID:         forum.ID,
		Kind:           model.KindForum,
		LastActiveTime: forum.CreatedAt,
	}
	var latest *activity
	var reply newestReply
	consider := func(a activity) {
		if a.activeID == "" {
			return
		}
		if latest == nil || a.time.After(latest.time) {
			latest = &a
		}
	}

	topics, err := s.repo.GetChildren(ctx, forum.ID, model.KindTopic, model.StatusPublished)
	if err != nil {
		return nil, err
	}
	for i := range topics {
		topic := &topics[i]
		var ta *model.Aggregate
		if fullRefresh {
			if ta, err = s.computeTopic(ctx, topic); err != nil {
				return nil, err
			}
		} else if ta, err = s.storedAggregate(ctx, topic); err != nil {
			return nil, err
		}

		agg.TopicCount++
		agg.ReplyCount += ta.ReplyCount
		consider(activity{topicID: topic.ID, activeID: ta.LastActiveID, time: ta.LastActiveTime})
		if err := s.considerReply(ctx, &reply, ta); err != nil {
			return nil, err
		}
	}

	subforums, err := s.repo.GetChildren(ctx, forum.ID, model.KindForum, model.StatusPublished)
	if err != nil {
		return nil, err
	}
	for i := range subforums {
		fa, err := s.storedAggregate(ctx, &subforums[i])
		if err != nil {
			return nil, err
		}
		agg.TopicCount += fa.TopicCount
		agg.ReplyCount += fa.ReplyCount
		if fa.LastTopicID != "" {
			consider(activity{topicID: fa.LastTopicID, activeID: fa.LastActiveID, time: fa.LastActiveTime})
		}
		if err := s.considerReply(ctx, &reply, fa); err != nil {
			return nil, err
		}
	}

	if latest != nil {
		agg.LastTopicID = latest.topicID
		agg.LastActiveID = latest.activeID
		agg.LastActiveTime = latest.time
	}
	agg.LastReplyID = reply.id
	return agg, nil
}

// considerReply 子聚合的最后回复参与比较；回复即最后活跃节点时沿用其时间，
// 否则读取回复的创建时间，已不存在的回复忽略
func (s *aggregateService) considerReply(ctx context.Context, reply *newestReply, child *model.Aggregate) error {
	if child.LastReplyID == "" {
		return nil
	}
	if child.LastReplyID == child.LastActiveID {
		reply.consider(child.LastReplyID, child.LastActiveTime)
		return nil
	}
	node, err := s.repo.GetNode(ctx, child.LastReplyID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if node.Status.Visible() {
		reply.consider(node.ID, node.CreatedAt)
	}
	return nil
}

// --- Fields ---

func (s *aggregateService) writeFields(ctx context.Context, id string, fields map[string]string) error {
	for name, value := range fields {
		if err := s.repo.SetField(ctx, id, name, value); err != nil {
			return err
		}
	}
	return nil
}

// storedAggregate 读取已存储的聚合；从未计算过的主题退化为自身的创建信息
func (s *aggregateService) storedAggregate(ctx context.Context, node *model.Node) (*model.Aggregate, error) {
	fields, err := s.repo.GetFields(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	agg, err := aggregateFromFields(node, fields)
	if err != nil {
		return nil, err
	}
	if node.Kind == model.KindTopic && agg.LastActiveID == "" {
		agg.LastActiveID = node.ID
		agg.LastActiveTime = node.CreatedAt
	}
	return agg, nil
}

func (s *aggregateService) Aggregate(ctx context.Context, id string) (*model.Aggregate, error) {
	node, err := s.repo.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := s.repo.GetFields(ctx, id)
	if err != nil {
		return nil, err
	}
	return aggregateFromFields(node, fields)
}

func aggregateFromFields(node *model.Node, fields map[string]string) (*model.Aggregate, error) {
	agg := &model.Aggregate{
		NodeID:       node.ID,
		Kind:         node.Kind,
		LastTopicID:  fields[model.FieldLastTopicID],
		LastReplyID:  fields[model.FieldLastReplyID],
		LastActiveID: fields[model.FieldLastActiveID],
	}

	var err error
	if agg.LastActiveTime, err = model.ParseTime(fields[model.FieldLastActiveTime]); err != nil {
		return nil, fmt.Errorf("node %s: parse %s: %w", node.ID, model.FieldLastActiveTime, err)
	}
	counts := []struct {
		name string
		dst  *int64
	}{
		{model.FieldReplyCount, &agg.ReplyCount},
		{model.FieldHiddenReplyCount, &agg.HiddenReplyCount},
		{model.FieldVoiceCount, &agg.VoiceCount},
		{model.FieldTopicCount, &agg.TopicCount},
	}
	for _, c := range counts {
		if *c.dst, err = model.ParseCount(fields[c.name]); err != nil {
			return nil, fmt.Errorf("node %s: parse %s: %w", node.ID, c.name, err)
		}
	}
	return agg, nil
}
