package service

import (
	"context"
	"errors"
	"time"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/repository"
	"forum_hierarchy/internal/pkg/config"
	"forum_hierarchy/pkg/cache"
	"forum_hierarchy/pkg/metrics"

	"go.uber.org/zap"
)

// GuardService 发帖前的防灌水与重复内容检查
type GuardService interface {
	// CheckFlood 距离上次发帖是否已超过配置的间隔
	CheckFlood(ctx context.Context, actor model.Actor) (bool, error)
	// CheckDuplicate 同一作者在同一父节点下是否已提交过相同内容
	CheckDuplicate(ctx context.Context, candidate *model.Node) (bool, error)
	// Check 依次执行两项检查，被拦截时返回 *model.GuardError
	Check(ctx context.Context, actor model.Actor, candidate *model.Node) error
	// RecordPost 记录作者的发帖时间
	RecordPost(ctx context.Context, actor model.Actor, at time.Time) error
}

type guardService struct {
	repo    repository.HierarchyRepository
	cache   cache.CacheService
	cfg     config.ForumConfig
	metrics *metrics.MetricsCollector
	log     *zap.Logger
	now     func() time.Time
}

func NewGuardService(repo repository.HierarchyRepository, cacheService cache.CacheService, cfg config.ForumConfig, collector *metrics.MetricsCollector, log *zap.Logger) GuardService {
	if log == nil {
		log = zap.NewNop()
	}
	return &guardService{
		repo:    repo,
		cache:   cacheService,
		cfg:     cfg,
		metrics: collector,
		log:     log,
		now:     time.Now,
	}
}

// floodKey 登录用户按用户 ID，匿名用户按来源地址
func floodKey(actor model.Actor) string {
	if actor.UserID != "" {
		return "flood:user:" + actor.UserID
	}
	if actor.OriginAddress != "" {
		return "flood:addr:" + actor.OriginAddress
	}
	return ""
}

func (s *guardService) CheckFlood(ctx context.Context, actor model.Actor) (bool, error) {
	if s.cfg.FloodWindow <= 0 || actor.HasCapability(s.cfg.ThrottleCapability) {
		return true, nil
	}
	key := floodKey(actor)
	if key == "" || s.cache == nil {
		return true, nil
	}

	var lastNano int64
	if err := s.cache.Get(ctx, key, &lastNano); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return true, nil
		}
		return false, err
	}

	last := time.Unix(0, lastNano)
	return s.now().Sub(last) >= s.cfg.FloodWindow, nil
}

func (s *guardService) CheckDuplicate(ctx context.Context, candidate *model.Node) (bool, error) {
	q := repository.DuplicateQuery{
		Kind:     candidate.Kind,
		ParentID: candidate.ParentID,
		Author:   candidate.Author,
		Content:  candidate.Content,
	}
	if s.cfg.DuplicateLookback > 0 {
		q.Since = s.now().Add(-s.cfg.DuplicateLookback)
	}

	found, err := s.repo.FindDuplicate(ctx, q)
	if err != nil {
		return false, err
	}
	return !found, nil
}

func (s *guardService) Check(ctx context.Context, actor model.Actor, candidate *model.Node) error {
	allowed, err := s.CheckFlood(ctx, actor)
	if err != nil {
		return err
	}
	if !allowed {
		return s.reject(actor, model.GuardFlood)
	}

	allowed, err = s.CheckDuplicate(ctx, candidate)
	if err != nil {
		return err
	}
	if !allowed {
		return s.reject(actor, model.GuardDuplicate)
	}
	return nil
}

func (s *guardService) reject(actor model.Actor, reason model.GuardReason) error {
	s.metrics.RecordGuardRejection(string(reason))
	s.log.Info("submission rejected",
		zap.String("reason", string(reason)),
		zap.String("user_id", actor.UserID),
		zap.String("origin", actor.OriginAddress),
	)
	return &model.GuardError{Reason: reason}
}

func (s *guardService) RecordPost(ctx context.Context, actor model.Actor, at time.Time) error {
	key := floodKey(actor)
	if key == "" || s.cache == nil || s.cfg.FloodWindow <= 0 {
		return nil
	}
	return s.cache.Set(ctx, key, at.UnixNano(), s.cfg.FloodWindow)
}
