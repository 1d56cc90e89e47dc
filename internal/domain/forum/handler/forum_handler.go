package handler

import (
	"errors"
	"net/http"

	"forum_hierarchy/internal/domain/forum/model"
	"forum_hierarchy/internal/domain/forum/service"
	"forum_hierarchy/internal/pkg/middleware"
	"forum_hierarchy/internal/pkg/worker"
	"forum_hierarchy/pkg/response"
	"forum_hierarchy/pkg/utils"

	"github.com/gin-gonic/gin"
)

type ForumHandler struct {
	service service.ForumService
	pool    *worker.ReconcilePool
}

// NewForumHandler pool 为 nil 时对账接口不可用
func NewForumHandler(service service.ForumService, pool *worker.ReconcilePool) *ForumHandler {
	return &ForumHandler{service: service, pool: pool}
}

// actor 从上下文构造当前请求者
func actor(c *gin.Context) model.Actor {
	return model.Actor{
		UserID:        c.GetString(middleware.ContextUserID),
		OriginAddress: c.ClientIP(),
		Capabilities:  c.GetStringSlice(middleware.ContextCapabilities),
	}
}

// fail 领域错误映射为 HTTP 状态与业务码
func fail(c *gin.Context, err error) {
	var (
		guardErr     *model.GuardError
		propagateErr *service.PropagateError
	)
	switch {
	// 传播中途失败时变更已生效，即便底层原因是祖先缺失也按部分传播处理
	case errors.As(err, &propagateErr):
		response.Error(c, http.StatusInternalServerError, response.ErrPropagationPartial, err.Error())
	case errors.Is(err, model.ErrNotFound):
		response.Error(c, http.StatusNotFound, response.ErrNodeNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		response.Error(c, http.StatusConflict, response.ErrInvalidTransition, err.Error())
	case errors.As(err, &guardErr):
		if guardErr.Reason == model.GuardFlood {
			response.Error(c, http.StatusTooManyRequests, response.ErrFloodRejected, err.Error())
			return
		}
		response.Error(c, http.StatusConflict, response.ErrDuplicateRejected, err.Error())
	case errors.Is(err, model.ErrInvalidParent):
		response.Error(c, http.StatusUnprocessableEntity, response.ErrInvalidParent, err.Error())
	case errors.Is(err, model.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
	case errors.Is(err, model.ErrForbidden):
		response.Error(c, http.StatusForbidden, response.ErrNoPermission, err.Error())
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, response.ErrServerInternal, err.Error())
	}
}

func (h *ForumHandler) CreateForum(c *gin.Context) {
	var input service.CreateForumInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	result, err := h.service.CreateForum(c.Request.Context(), actor(c), input)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

func (h *ForumHandler) CreateTopic(c *gin.Context) {
	var input service.CreateTopicInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	result, err := h.service.CreateTopic(c.Request.Context(), actor(c), input)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

func (h *ForumHandler) CreateReply(c *gin.Context) {
	var input service.CreateReplyInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}
	input.TopicID = c.Param("id")

	result, err := h.service.CreateReply(c.Request.Context(), actor(c), input)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

func (h *ForumHandler) Edit(c *gin.Context) {
	var input service.EditInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	result, err := h.service.Edit(c.Request.Context(), actor(c), c.Param("id"), input)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// respond 变更类接口共用
func respond(c *gin.Context, result *service.MutationResult, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

func (h *ForumHandler) Spam(c *gin.Context) {
	result, err := h.service.Spam(c.Request.Context(), c.Param("id"))
	respond(c, result, err)
}

func (h *ForumHandler) Unspam(c *gin.Context) {
	result, err := h.service.Unspam(c.Request.Context(), c.Param("id"))
	respond(c, result, err)
}

func (h *ForumHandler) Trash(c *gin.Context) {
	result, err := h.service.Trash(c.Request.Context(), c.Param("id"))
	respond(c, result, err)
}

func (h *ForumHandler) Untrash(c *gin.Context) {
	result, err := h.service.Untrash(c.Request.Context(), c.Param("id"))
	respond(c, result, err)
}

func (h *ForumHandler) Delete(c *gin.Context) {
	result, err := h.service.Delete(c.Request.Context(), c.Param("id"))
	respond(c, result, err)
}

func (h *ForumHandler) Refresh(c *gin.Context) {
	result, err := h.service.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

func (h *ForumHandler) Aggregate(c *gin.Context) {
	agg, err := h.service.Aggregate(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, agg)
}

func (h *ForumHandler) Revisions(c *gin.Context) {
	var page utils.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	revisions, err := h.service.Revisions(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, utils.Paginate(revisions, page))
}

// Reconcile 将全部主题与论坛加入后台全量刷新队列
func (h *ForumHandler) Reconcile(c *gin.Context) {
	if h.pool == nil {
		response.Error(c, http.StatusServiceUnavailable, response.ErrServerInternal, "reconcile pool is not running")
		return
	}

	ids, err := h.service.ReconcileTargets(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	queued := 0
	for _, id := range ids {
		if h.pool.AddTask(id) {
			queued++
		}
	}
	response.Success(c, gin.H{"total": len(ids), "queued": queued})
}
