package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/pkg/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropagateFirstReply(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	t1 := t0.Add(time.Hour)
	tr.reply("R1", "T", "alice", model.StatusPublished, t1)

	svc := tr.aggregates()
	result, err := svc.Propagate(tr.ctx, "R1", Hints{}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"T", "F"}, result.Updated)
	assert.Equal(t, "T", result.TopicID)
	assert.Equal(t, "F", result.ForumID)

	topic, err := svc.Aggregate(tr.ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, "R1", topic.LastReplyID)
	assert.Equal(t, "R1", topic.LastActiveID)
	assert.True(t, t1.Equal(topic.LastActiveTime))
	assert.Equal(t, int64(1), topic.ReplyCount)
	assert.Equal(t, int64(0), topic.HiddenReplyCount)
	assert.Equal(t, int64(1), topic.VoiceCount)

	forum, err := svc.Aggregate(tr.ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, "T", forum.LastTopicID)
	assert.Equal(t, "R1", forum.LastReplyID)
	assert.Equal(t, "R1", forum.LastActiveID)
	assert.True(t, t1.Equal(forum.LastActiveTime))
	assert.Equal(t, int64(1), forum.ReplyCount)
	assert.Equal(t, int64(1), forum.TopicCount)
}

func TestPropagateTopicWithoutReplies(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)

	_, err := tr.aggregates().Propagate(tr.ctx, "T", Hints{Time: t0, ForumID: "F", TopicID: "T"}, false)
	require.NoError(t, err)

	assert.Equal(t, "", tr.field("T", model.FieldLastReplyID))
	assert.Equal(t, "T", tr.field("T", model.FieldLastActiveID))
	assert.Equal(t, "0", tr.field("T", model.FieldReplyCount))
	assert.Equal(t, "T", tr.field("F", model.FieldLastTopicID))
	assert.Equal(t, "", tr.field("F", model.FieldLastReplyID))
	assert.Equal(t, "T", tr.field("F", model.FieldLastActiveID))
	assert.Equal(t, model.FormatTime(t0), tr.field("F", model.FieldLastActiveTime))
	assert.Equal(t, "1", tr.field("F", model.FieldTopicCount))
}

func TestPropagateHiddenCounts(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	tr.reply("R1", "T", "alice", model.StatusPublished, t0.Add(1*time.Minute))
	tr.reply("R2", "T", "bob", model.StatusSpam, t0.Add(2*time.Minute))
	tr.reply("R3", "T", "carol", model.StatusPublished, t0.Add(3*time.Minute))
	tr.reply("R4", "T", "dave", model.StatusTrashed, t0.Add(4*time.Minute))
	tr.reply("R5", "T", "erin", model.StatusSpam, t0.Add(5*time.Minute))

	_, err := tr.aggregates().Propagate(tr.ctx, "R1", Hints{}, true)
	require.NoError(t, err)

	assert.Equal(t, "2", tr.field("T", model.FieldReplyCount))
	assert.Equal(t, "3", tr.field("T", model.FieldHiddenReplyCount))
	assert.Equal(t, "2", tr.field("T", model.FieldVoiceCount))
	// 最新的可见回复是 R3
	assert.Equal(t, "R3", tr.field("T", model.FieldLastReplyID))
	assert.Equal(t, "2", tr.field("F", model.FieldReplyCount))
}

func TestPropagateVoiceCountsDistinctAuthors(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	tr.reply("R1", "T", "alice", model.StatusPublished, t0.Add(1*time.Minute))
	tr.reply("R2", "T", "alice", model.StatusPublished, t0.Add(2*time.Minute))
	tr.add("R3", model.KindReply, "T", model.Anonymous("guest", "Guest@Example.com", "", "10.0.0.1"), model.StatusPublished, t0.Add(3*time.Minute))
	tr.add("R4", model.KindReply, "T", model.Anonymous("guest2", "guest@example.com", "", "10.0.0.2"), model.StatusPublished, t0.Add(4*time.Minute))

	_, err := tr.aggregates().Propagate(tr.ctx, "T", Hints{}, true)
	require.NoError(t, err)

	assert.Equal(t, "4", tr.field("T", model.FieldReplyCount))
	assert.Equal(t, "2", tr.field("T", model.FieldVoiceCount))
}

func TestPropagateFullRefreshIsIdempotent(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.forum("S", "F")
	tr.topic("T1", "F", t0)
	tr.topic("T2", "S", t0.Add(time.Minute))
	for i := 0; i < 4; i++ {
		status := model.StatusPublished
		if i == 2 {
			status = model.StatusSpam
		}
		tr.reply(fmt.Sprintf("A%d", i), "T1", fmt.Sprintf("u%d", i), status, t0.Add(time.Duration(i+2)*time.Minute))
		tr.reply(fmt.Sprintf("B%d", i), "T2", fmt.Sprintf("u%d", i), model.StatusPublished, t0.Add(time.Duration(i+10)*time.Minute))
	}

	svc := tr.aggregates()
	snapshot := func() map[string]map[string]string {
		out := map[string]map[string]string{}
		for _, id := range []string{"T1", "T2", "S", "F"} {
			fields, err := tr.repo.GetFields(tr.ctx, id)
			require.NoError(t, err)
			out[id] = fields
		}
		return out
	}

	for _, leaf := range []string{"A3", "B3"} {
		_, err := svc.Propagate(tr.ctx, leaf, Hints{}, true)
		require.NoError(t, err)
	}
	first := snapshot()

	for _, leaf := range []string{"A3", "B3"} {
		_, err := svc.Propagate(tr.ctx, leaf, Hints{}, true)
		require.NoError(t, err)
	}
	assert.Equal(t, first, snapshot())

	assert.Equal(t, "3", first["T1"][model.FieldReplyCount])
	assert.Equal(t, "4", first["S"][model.FieldReplyCount])
	assert.Equal(t, "7", first["F"][model.FieldReplyCount])
	assert.Equal(t, "2", first["F"][model.FieldTopicCount])
	// B3 是全树最新的回复，经子论坛汇总到根论坛
	assert.Equal(t, "B3", first["F"][model.FieldLastReplyID])
	assert.Equal(t, "T2", first["F"][model.FieldLastTopicID])
}

func TestPropagateConvergesUnderConcurrency(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	const n = 30
	for i := 1; i <= n; i++ {
		tr.reply(fmt.Sprintf("R%02d", i), "T", fmt.Sprintf("u%d", i%7), model.StatusPublished, t0.Add(time.Duration(i)*time.Second))
	}

	svc := NewAggregateService(tr.repo, lock.NewMemoryLocker(), nil, nil)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Propagate(tr.ctx, id, Hints{}, false)
			assert.NoError(t, err)
		}(fmt.Sprintf("R%02d", i))
	}
	wg.Wait()

	concurrent := map[string]string{
		"T":  tr.field("T", model.FieldReplyCount),
		"F":  tr.field("F", model.FieldReplyCount),
		"TL": tr.field("T", model.FieldLastReplyID),
		"FL": tr.field("F", model.FieldLastReplyID),
	}

	_, err := svc.Propagate(tr.ctx, "R01", Hints{}, true)
	require.NoError(t, err)

	assert.Equal(t, "30", concurrent["T"])
	assert.Equal(t, tr.field("T", model.FieldReplyCount), concurrent["T"])
	assert.Equal(t, tr.field("F", model.FieldReplyCount), concurrent["F"])
	assert.Equal(t, "R30", concurrent["TL"])
	assert.Equal(t, "R30", concurrent["FL"])
}

func TestPropagateOlderLeafDoesNotMovePointers(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	tr.reply("R1", "T", "alice", model.StatusPublished, t0.Add(time.Minute))
	tr.reply("R2", "T", "bob", model.StatusPublished, t0.Add(2*time.Minute))

	svc := tr.aggregates()
	_, err := svc.Propagate(tr.ctx, "R2", Hints{}, false)
	require.NoError(t, err)

	// 编辑旧回复后的传播
	_, err = svc.Propagate(tr.ctx, "R1", Hints{}, false)
	require.NoError(t, err)

	assert.Equal(t, "R2", tr.field("T", model.FieldLastReplyID))
	assert.Equal(t, "R2", tr.field("F", model.FieldLastReplyID))
	assert.Equal(t, model.FormatTime(t0.Add(2*time.Minute)), tr.field("F", model.FieldLastActiveTime))
}

func TestPropagateExplicitTimeHintIsAuthoritative(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	tr.reply("R1", "T", "alice", model.StatusPublished, t0.Add(time.Minute))

	hint := t0.Add(90 * time.Second)
	_, err := tr.aggregates().Propagate(tr.ctx, "R1", Hints{Time: hint, TopicID: "T", ForumID: "F"}, false)
	require.NoError(t, err)

	assert.Equal(t, model.FormatTime(hint), tr.field("T", model.FieldLastActiveTime))
	assert.Equal(t, model.FormatTime(hint), tr.field("F", model.FieldLastActiveTime))
}

func TestPropagateHiddenTopicDoesNotSurfaceInForum(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.add("T", model.KindTopic, "F", model.Registered("u"), model.StatusSpam, t0)
	tr.reply("R1", "T", "alice", model.StatusPublished, t0.Add(time.Minute))

	_, err := tr.aggregates().Propagate(tr.ctx, "R1", Hints{}, false)
	require.NoError(t, err)

	assert.Equal(t, "1", tr.field("T", model.FieldReplyCount))
	assert.Equal(t, "0", tr.field("F", model.FieldReplyCount))
	assert.Equal(t, "0", tr.field("F", model.FieldTopicCount))
	assert.Equal(t, "", tr.field("F", model.FieldLastTopicID))
	assert.Equal(t, model.FormatTime(t0), tr.field("F", model.FieldLastActiveTime))
}

func TestPropagateMissingLeaf(t *testing.T) {
	tr := newTree(t)

	result, err := tr.aggregates().Propagate(tr.ctx, "missing", Hints{}, false)
	require.NoError(t, err)
	assert.True(t, result.LeafMissing)
	assert.Empty(t, result.Updated)
}

func TestPropagateMissingAncestorStopsWalk(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	tr.reply("R1", "T", "alice", model.StatusPublished, t0.Add(time.Minute))
	require.NoError(t, tr.repo.SetField(tr.ctx, "R1", model.FieldForumID, "F"))
	require.NoError(t, tr.repo.DeleteNode(tr.ctx, "F"))

	result, err := tr.aggregates().Propagate(tr.ctx, "R1", Hints{}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"T"}, result.Updated)
	assert.Equal(t, "F", result.StoppedAt)
	assert.Equal(t, "1", tr.field("T", model.FieldReplyCount))
}

func TestPropagateReportsPartialFailure(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.topic("T", "F", t0)
	tr.reply("R1", "T", "alice", model.StatusPublished, t0.Add(time.Minute))

	repo := &failingRepo{MemoryRepository: tr.repo, failID: "F"}
	svc := NewAggregateService(repo, nil, nil, nil)

	_, err := svc.Propagate(tr.ctx, "R1", Hints{}, false)
	require.Error(t, err)

	var perr *PropagateError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []string{"T"}, perr.Updated)
	assert.Equal(t, "F", perr.FailedID)
	assert.ErrorIs(t, err, errStoreDown)

	var serr *model.StoreError
	assert.True(t, errors.As(err, &serr))

	// 已更新的祖先保留新值，整体重试是安全的
	assert.Equal(t, "1", tr.field("T", model.FieldReplyCount))
	repo.failID = ""
	_, err = svc.Propagate(tr.ctx, "R1", Hints{}, false)
	require.NoError(t, err)
	assert.Equal(t, "1", tr.field("F", model.FieldReplyCount))
}

func TestPropagateToleratesCycles(t *testing.T) {
	tr := newTree(t)
	tr.forum("A", "B")
	tr.forum("B", "A")

	done := make(chan struct{})
	var result *PropagateResult
	var err error
	go func() {
		result, err = tr.aggregates().Propagate(tr.ctx, "A", Hints{}, true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("propagate did not terminate on a cyclic chain")
	}
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, result.Updated)
}

func TestPropagateSkipsReplyInChain(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.reply("X", "F", "alice", model.StatusPublished, t0)
	tr.topic("T", "X", t0.Add(time.Minute))

	result, err := tr.aggregates().Propagate(tr.ctx, "T", Hints{}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"T", "F"}, result.Updated)
	assert.Equal(t, []string{"X"}, result.Skipped)
}

func TestAggregateOfUnknownNode(t *testing.T) {
	tr := newTree(t)
	_, err := tr.aggregates().Aggregate(tr.ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPropagateForumKeepsNewestReplyBehindEmptyTopic(t *testing.T) {
	for _, full := range []bool{true, false} {
		t.Run(fmt.Sprintf("full refresh %v", full), func(t *testing.T) {
			tr := newTree(t)
			tr.forum("F", "")
			tr.forum("S", "F")
			tr.topic("T1", "F", t0)
			tr.reply("R1", "T1", "alice", model.StatusPublished, t0.Add(time.Hour))
			tr.topic("T2", "F", t0.Add(2*time.Hour))

			svc := tr.aggregates()
			_, err := svc.Propagate(tr.ctx, "R1", Hints{}, full)
			require.NoError(t, err)
			_, err = svc.Propagate(tr.ctx, "T2", Hints{}, full)
			require.NoError(t, err)

			assert.Equal(t, "T2", tr.field("F", model.FieldLastTopicID))
			assert.Equal(t, "T2", tr.field("F", model.FieldLastActiveID))
			assert.Equal(t, "R1", tr.field("F", model.FieldLastReplyID))
			assert.Equal(t, "1", tr.field("F", model.FieldReplyCount))

			// 子论坛里更新的空主题同样不遮蔽 R1
			tr.topic("T3", "S", t0.Add(3*time.Hour))
			_, err = svc.Propagate(tr.ctx, "T3", Hints{}, full)
			require.NoError(t, err)
			assert.Equal(t, "", tr.field("S", model.FieldLastReplyID))
			assert.Equal(t, "T3", tr.field("F", model.FieldLastTopicID))
			assert.Equal(t, "R1", tr.field("F", model.FieldLastReplyID))
		})
	}
}

func TestPropagateForumNewestReplyAcrossSubforums(t *testing.T) {
	tr := newTree(t)
	tr.forum("F", "")
	tr.forum("S", "F")
	tr.topic("T1", "F", t0)
	tr.reply("R1", "T1", "alice", model.StatusPublished, t0.Add(time.Hour))
	tr.topic("T2", "S", t0.Add(2*time.Hour))
	tr.reply("R2", "T2", "bob", model.StatusPublished, t0.Add(3*time.Hour))
	tr.topic("T3", "S", t0.Add(4*time.Hour))

	svc := tr.aggregates()
	for _, leaf := range []string{"R1", "R2", "T3"} {
		_, err := svc.Propagate(tr.ctx, leaf, Hints{}, false)
		require.NoError(t, err)
	}

	// S 的最后活跃是 T3，最新回复 R2 需按创建时间与 R1 比较
	assert.Equal(t, "T3", tr.field("S", model.FieldLastActiveID))
	assert.Equal(t, "R2", tr.field("S", model.FieldLastReplyID))

	_, err := svc.Propagate(tr.ctx, "T1", Hints{}, true)
	require.NoError(t, err)
	assert.Equal(t, "T3", tr.field("F", model.FieldLastTopicID))
	assert.Equal(t, "R2", tr.field("F", model.FieldLastReplyID))
}
