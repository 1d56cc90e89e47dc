package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/repository"
	"forum_hierarchy/internal/domain/forum/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	reconcileAll         bool
	reconcileConcurrency int
	reconcileKeepGoing   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [node-id...]",
	Short: "Recompute derived aggregates from scratch",
	Long: `Runs a full refresh for the given nodes, or for every topic and forum with --all.
With --all every topic finishes before the first forum starts, so forum totals
read fresh topic data. Explicit node ids are refreshed in parallel in no fixed order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !reconcileAll && len(args) == 0 {
			return errors.New("pass node ids or --all")
		}

		phases := [][]string{args}
		if reconcileAll {
			var err error
			if phases, err = reconcilePhases(cmd.Context(), components.Repo); err != nil {
				return err
			}
		}

		total := 0
		for _, ids := range phases {
			total += len(ids)
		}
		refreshed, failed, err := reconcile(cmd.Context(), components.Forum, phases, reconcileConcurrency, reconcileKeepGoing)
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d of %d nodes, %d failed\n", refreshed, total, failed)
		return err
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "refresh every topic and forum")
	reconcileCmd.Flags().IntVarP(&reconcileConcurrency, "concurrency", "j", 4, "parallel refreshes")
	reconcileCmd.Flags().BoolVar(&reconcileKeepGoing, "keep-going", false, "continue after a failed refresh")
}

// reconcilePhases 先全部主题，再全部论坛
func reconcilePhases(ctx context.Context, repo repository.HierarchyRepository) ([][]string, error) {
	var phases [][]string
	for _, kind := range []model.Kind{model.KindTopic, model.KindForum} {
		refs, err := repo.ListNodes(ctx, kind)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			ids = append(ids, ref.ID)
		}
		phases = append(phases, ids)
	}
	return phases, nil
}

// reconcile 按阶段并发执行全量刷新，前一阶段全部结束后才开始下一阶段；
// keepGoing 为 false 时遇到第一个错误即取消其余任务
func reconcile(ctx context.Context, svc service.ForumService, phases [][]string, concurrency int, keepGoing bool) (int64, int64, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var refreshed, failed atomic.Int64

	for _, ids := range phases {
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				if _, err := svc.Refresh(gCtx, id); err != nil {
					failed.Add(1)
					if keepGoing {
						return nil
					}
					return fmt.Errorf("refresh %s: %w", id, err)
				}
				refreshed.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return refreshed.Load(), failed.Load(), err
		}
	}
	return refreshed.Load(), failed.Load(), nil
}
