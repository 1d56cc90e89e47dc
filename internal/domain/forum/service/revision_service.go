package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/repository"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// RevisionService 节点编辑历史，仅追加
type RevisionService interface {
	// AppendRevision revisionID 非正数时不做任何事；同一 revisionID 原位覆盖
	AppendRevision(ctx context.Context, nodeID string, revisionID int64, authorID, reason string) error
	Revisions(ctx context.Context, nodeID string) ([]model.Revision, error)
}

type revisionService struct {
	repo   repository.HierarchyRepository
	policy *bluemonday.Policy
	log    *zap.Logger
}

func NewRevisionService(repo repository.HierarchyRepository, log *zap.Logger) RevisionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &revisionService{
		repo:   repo,
		policy: bluemonday.StrictPolicy(),
		log:    log,
	}
}

// cleanReason 去除标记并裁剪空白
func (s *revisionService) cleanReason(reason string) string {
	return strings.TrimSpace(s.policy.Sanitize(strings.TrimSpace(reason)))
}

func (s *revisionService) AppendRevision(ctx context.Context, nodeID string, revisionID int64, authorID, reason string) error {
	if revisionID <= 0 {
		return nil
	}

	value, err := json.Marshal(model.Revision{
		ID:       revisionID,
		AuthorID: authorID,
		Reason:   s.cleanReason(reason),
	})
	if err != nil {
		return err
	}

	if err := s.repo.AppendToLog(ctx, nodeID, model.LogRevisions, strconv.FormatInt(revisionID, 10), string(value)); err != nil {
		return err
	}
	s.log.Debug("revision appended", zap.String("node_id", nodeID), zap.Int64("revision_id", revisionID))
	return nil
}

func (s *revisionService) Revisions(ctx context.Context, nodeID string) ([]model.Revision, error) {
	entries, err := s.repo.GetLog(ctx, nodeID, model.LogRevisions)
	if err != nil {
		return nil, err
	}

	revisions := make([]model.Revision, 0, len(entries))
	for _, entry := range entries {
		var rev model.Revision
		if err := json.Unmarshal([]byte(entry.Value), &rev); err != nil {
			return nil, fmt.Errorf("decode revision %s of %s: %w", entry.Key, nodeID, err)
		}
		revisions = append(revisions, rev)
	}
	return revisions, nil
}
