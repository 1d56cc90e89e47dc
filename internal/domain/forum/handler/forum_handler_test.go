package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/service"
	"forum_hierarchy/internal/pkg/middleware"
	"forum_hierarchy/internal/pkg/worker"
	"forum_hierarchy/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockForumService is a mock of ForumService
type MockForumService struct {
	mock.Mock
}

func (m *MockForumService) mutation(args mock.Arguments) (*service.MutationResult, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.MutationResult), args.Error(1)
}

func (m *MockForumService) CreateForum(ctx context.Context, actor model.Actor, in service.CreateForumInput) (*service.MutationResult, error) {
	return m.mutation(m.Called(actor, in))
}

func (m *MockForumService) CreateTopic(ctx context.Context, actor model.Actor, in service.CreateTopicInput) (*service.MutationResult, error) {
	return m.mutation(m.Called(actor, in))
}

func (m *MockForumService) CreateReply(ctx context.Context, actor model.Actor, in service.CreateReplyInput) (*service.MutationResult, error) {
	return m.mutation(m.Called(actor, in))
}

func (m *MockForumService) Edit(ctx context.Context, actor model.Actor, id string, in service.EditInput) (*service.MutationResult, error) {
	return m.mutation(m.Called(actor, id, in))
}

func (m *MockForumService) Spam(ctx context.Context, id string) (*service.MutationResult, error) {
	return m.mutation(m.Called(id))
}

func (m *MockForumService) Unspam(ctx context.Context, id string) (*service.MutationResult, error) {
	return m.mutation(m.Called(id))
}

func (m *MockForumService) Trash(ctx context.Context, id string) (*service.MutationResult, error) {
	return m.mutation(m.Called(id))
}

func (m *MockForumService) Untrash(ctx context.Context, id string) (*service.MutationResult, error) {
	return m.mutation(m.Called(id))
}

func (m *MockForumService) Delete(ctx context.Context, id string) (*service.MutationResult, error) {
	return m.mutation(m.Called(id))
}

func (m *MockForumService) Refresh(ctx context.Context, id string) (*service.PropagateResult, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.PropagateResult), args.Error(1)
}

func (m *MockForumService) Aggregate(ctx context.Context, id string) (*model.Aggregate, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Aggregate), args.Error(1)
}

func (m *MockForumService) Revisions(ctx context.Context, id string) ([]model.Revision, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Revision), args.Error(1)
}

func (m *MockForumService) ReconcileTargets(ctx context.Context) ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func init() {
	gin.SetMode(gin.TestMode)
}

// setupRouter 用固定用户代替 JWT 解析
func setupRouter(h *ForumHandler, userID string, caps ...string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(middleware.ContextUserID, userID)
			c.Set(middleware.ContextCapabilities, caps)
		}
		c.Next()
	})
	r.POST("/forums", h.CreateForum)
	r.POST("/topics", h.CreateTopic)
	r.POST("/topics/:id/replies", h.CreateReply)
	r.PUT("/nodes/:id", h.Edit)
	r.PUT("/nodes/:id/spam", h.Spam)
	r.DELETE("/nodes/:id/spam", h.Unspam)
	r.PUT("/nodes/:id/trash", h.Trash)
	r.DELETE("/nodes/:id/trash", h.Untrash)
	r.DELETE("/nodes/:id", h.Delete)
	r.POST("/nodes/:id/refresh", h.Refresh)
	r.GET("/nodes/:id/aggregate", h.Aggregate)
	r.GET("/nodes/:id/revisions", h.Revisions)
	r.POST("/reconcile", h.Reconcile)
	return r
}

func perform(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, response.Response) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "203.0.113.9:4242"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestCreateTopicHandler(t *testing.T) {
	t.Run("bind error", func(t *testing.T) {
		svc := new(MockForumService)
		r := setupRouter(NewForumHandler(svc, nil), "alice")

		w, resp := perform(r, http.MethodPost, "/topics", `{"forumId":"F"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, response.ErrInvalidParam, resp.Code)
		svc.AssertNotCalled(t, "CreateTopic", mock.Anything, mock.Anything)
	})

	t.Run("success", func(t *testing.T) {
		svc := new(MockForumService)
		r := setupRouter(NewForumHandler(svc, nil), "alice", "throttle")

		actor := model.Actor{UserID: "alice", OriginAddress: "203.0.113.9", Capabilities: []string{"throttle"}}
		in := service.CreateTopicInput{ForumID: "F", Title: "Hello", Content: "hi"}
		svc.On("CreateTopic", actor, in).Return(&service.MutationResult{
			Node: &model.Node{ID: "T1", Kind: model.KindTopic},
		}, nil)

		w, resp := perform(r, http.MethodPost, "/topics", `{"forumId":"F","title":"Hello","content":"hi"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, response.CodeSuccess, resp.Code)
		assert.Contains(t, w.Body.String(), `"id":"T1"`)
		svc.AssertExpectations(t)
	})
}

func TestCreateReplyHandler(t *testing.T) {
	svc := new(MockForumService)
	r := setupRouter(NewForumHandler(svc, nil), "")

	anon := &model.AnonymousAuthor{Name: "Guest"}
	in := service.CreateReplyInput{TopicID: "T1", Content: "hello", Anonymous: anon}
	svc.On("CreateReply", model.Actor{OriginAddress: "203.0.113.9"}, in).
		Return(&service.MutationResult{Node: &model.Node{ID: "R1"}}, nil)

	w, resp := perform(r, http.MethodPost, "/topics/T1/replies", `{"content":"hello","anonymous":{"name":"Guest"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, response.CodeSuccess, resp.Code)
	svc.AssertExpectations(t)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   int
	}{
		{"not found", model.ErrNotFound, http.StatusNotFound, response.ErrNodeNotFound},
		{"invalid transition", &model.TransitionError{NodeID: "X", From: model.StatusSpam, To: model.StatusSpam}, http.StatusConflict, response.ErrInvalidTransition},
		{"flood", &model.GuardError{Reason: model.GuardFlood}, http.StatusTooManyRequests, response.ErrFloodRejected},
		{"duplicate", &model.GuardError{Reason: model.GuardDuplicate}, http.StatusConflict, response.ErrDuplicateRejected},
		{"invalid parent", fmt.Errorf("%w: X", model.ErrInvalidParent), http.StatusUnprocessableEntity, response.ErrInvalidParent},
		{"invalid input", fmt.Errorf("%w: title", model.ErrInvalidInput), http.StatusBadRequest, response.ErrInvalidParam},
		{"forbidden", model.ErrForbidden, http.StatusForbidden, response.ErrNoPermission},
		{"partial propagation", &service.PropagateError{Updated: []string{"T"}, FailedID: "F", Err: errors.New("io")}, http.StatusInternalServerError, response.ErrPropagationPartial},
		{"ancestor vanished mid walk", &service.PropagateError{Updated: []string{"T"}, FailedID: "F", Err: model.ErrNotFound}, http.StatusInternalServerError, response.ErrPropagationPartial},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, response.ErrServerInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockForumService)
			r := setupRouter(NewForumHandler(svc, nil), "mod", "moderate")
			svc.On("Spam", "X").Return(nil, tt.err)

			w, resp := perform(r, http.MethodPut, "/nodes/X/spam", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestModerationHandlers(t *testing.T) {
	svc := new(MockForumService)
	r := setupRouter(NewForumHandler(svc, nil), "mod", "moderate")
	ok := &service.MutationResult{Node: &model.Node{ID: "X"}}

	svc.On("Spam", "X").Return(ok, nil)
	svc.On("Unspam", "X").Return(ok, nil)
	svc.On("Trash", "X").Return(ok, nil)
	svc.On("Untrash", "X").Return(ok, nil)
	svc.On("Delete", "X").Return(ok, nil)
	svc.On("Refresh", "X").Return(&service.PropagateResult{LeafID: "X", Updated: []string{"X"}}, nil)

	routes := []struct{ method, path string }{
		{http.MethodPut, "/nodes/X/spam"},
		{http.MethodDelete, "/nodes/X/spam"},
		{http.MethodPut, "/nodes/X/trash"},
		{http.MethodDelete, "/nodes/X/trash"},
		{http.MethodDelete, "/nodes/X"},
		{http.MethodPost, "/nodes/X/refresh"},
	}
	for _, rt := range routes {
		w, resp := perform(r, rt.method, rt.path, "")
		assert.Equal(t, http.StatusOK, w.Code, rt.method+" "+rt.path)
		assert.Equal(t, response.CodeSuccess, resp.Code)
	}
	svc.AssertExpectations(t)
}

func TestEditHandler(t *testing.T) {
	svc := new(MockForumService)
	r := setupRouter(NewForumHandler(svc, nil), "alice")

	in := service.EditInput{Content: "v2", RevisionID: 2, Reason: "typo"}
	actor := model.Actor{UserID: "alice", OriginAddress: "203.0.113.9"}
	svc.On("Edit", actor, "T1", in).Return(nil, model.ErrForbidden)

	w, resp := perform(r, http.MethodPut, "/nodes/T1", `{"content":"v2","revisionId":2,"reason":"typo"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrNoPermission, resp.Code)
	svc.AssertExpectations(t)
}

func TestRevisionsHandler(t *testing.T) {
	svc := new(MockForumService)
	r := setupRouter(NewForumHandler(svc, nil), "")
	svc.On("Revisions", "T1").Return([]model.Revision{{ID: 1}, {ID: 2}, {ID: 3}}, nil)
	svc.On("Revisions", "gone").Return(nil, model.ErrNotFound)

	w, _ := perform(r, http.MethodGet, "/nodes/T1/revisions?page=2&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			List  []model.Revision `json:"list"`
			Total int64            `json:"total"`
			Page  int              `json:"page"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Data.Total)
	assert.Equal(t, 2, body.Data.Page)
	require.Len(t, body.Data.List, 1)
	assert.Equal(t, int64(3), body.Data.List[0].ID)

	w, _ = perform(r, http.MethodGet, "/nodes/T1/revisions?page=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"list":[]`)

	w, _ = perform(r, http.MethodGet, "/nodes/gone/revisions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAggregateHandler(t *testing.T) {
	svc := new(MockForumService)
	r := setupRouter(NewForumHandler(svc, nil), "")
	svc.On("Aggregate", "F").Return(&model.Aggregate{NodeID: "F", Kind: model.KindForum, TopicCount: 4}, nil)

	w, resp := perform(r, http.MethodGet, "/nodes/F/aggregate", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, response.CodeSuccess, resp.Code)
	assert.Contains(t, w.Body.String(), `"topicCount":4`)
}

func TestReconcileHandler(t *testing.T) {
	t.Run("no pool", func(t *testing.T) {
		r := setupRouter(NewForumHandler(new(MockForumService), nil), "mod", "moderate")
		w, _ := perform(r, http.MethodPost, "/reconcile", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("queues every target", func(t *testing.T) {
		var (
			mu        sync.Mutex
			refreshed []string
		)
		pool := worker.NewReconcilePool(worker.RefresherFunc(func(ctx context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			refreshed = append(refreshed, id)
			return nil
		}), 2, 16, 0, nil, nil)
		pool.Start()
		defer pool.Stop()

		svc := new(MockForumService)
		svc.On("ReconcileTargets").Return([]string{"T1", "T2", "F"}, nil)
		r := setupRouter(NewForumHandler(svc, pool), "mod", "moderate")

		w, resp := perform(r, http.MethodPost, "/reconcile", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, response.CodeSuccess, resp.Code)
		assert.JSONEq(t, `{"total":3,"queued":3}`, string(mustMarshal(t, resp.Data)))

		pool.Wait()
		mu.Lock()
		defer mu.Unlock()
		assert.ElementsMatch(t, []string{"T1", "T2", "F"}, refreshed)
	})
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
