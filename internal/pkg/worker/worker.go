package worker

import (
	"context"
	"sync"
	"time"

	"forum_hierarchy/pkg/metrics"

	"go.uber.org/zap"
)

// ReconcileTask 一次全量刷新任务
type ReconcileTask struct {
	NodeID string
	Retry  int // 重试次数
}

// Refresher 执行全量刷新
type Refresher interface {
	Refresh(ctx context.Context, nodeID string) error
}

// RefresherFunc 函数适配器
type RefresherFunc func(ctx context.Context, nodeID string) error

func (f RefresherFunc) Refresh(ctx context.Context, nodeID string) error { return f(ctx, nodeID) }

// ReconcilePool 对账协程池：主队列 + 重试队列，超过重试次数的任务进入死信日志
type ReconcilePool struct {
	TaskQueue  chan ReconcileTask
	RetryQueue chan ReconcileTask // 重试队列
	Refresher  Refresher
	WorkerNum  int
	MaxRetry   int           // 最大重试次数
	RetryDelay time.Duration // 第 n 次重试前等待 n*RetryDelay

	metrics *metrics.MetricsCollector
	log     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending sync.WaitGroup
	once    sync.Once
}

func NewReconcilePool(refresher Refresher, workerNum, bufferSize, maxRetry int, collector *metrics.MetricsCollector, log *zap.Logger) *ReconcilePool {
	if workerNum <= 0 {
		workerNum = 1
	}
	if bufferSize <= 1 {
		bufferSize = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReconcilePool{
		TaskQueue:  make(chan ReconcileTask, bufferSize),
		RetryQueue: make(chan ReconcileTask, bufferSize/2),
		Refresher:  refresher,
		WorkerNum:  workerNum,
		MaxRetry:   maxRetry,
		RetryDelay: time.Second,
		metrics:    collector,
		log:        log.Named("reconcile"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *ReconcilePool) Start() {
	for i := 0; i < p.WorkerNum; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	// 启动重试处理协程
	p.wg.Add(1)
	go p.retryWorker()
	p.log.Info("reconcile pool started", zap.Int("workers", p.WorkerNum))
}

// Wait 等待已入队的任务全部结束 (成功或进入死信)
func (p *ReconcilePool) Wait() {
	p.pending.Wait()
}

// Stop 停止所有协程，未处理的任务被丢弃
func (p *ReconcilePool) Stop() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *ReconcilePool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.TaskQueue:
			p.handle(id, task)
		}
	}
}

func (p *ReconcilePool) handle(id int, task ReconcileTask) {
	err := p.Refresher.Refresh(p.ctx, task.NodeID)
	if err == nil {
		p.metrics.RecordReconcile("success")
		p.pending.Done()
		return
	}

	p.log.Warn("reconcile task failed",
		zap.Int("worker", id),
		zap.String("node_id", task.NodeID),
		zap.Int("attempt", task.Retry),
		zap.Error(err),
	)

	// 如果未达到最大重试次数，加入重试队列
	if task.Retry < p.MaxRetry {
		task.Retry++
		select {
		case p.RetryQueue <- task:
			p.metrics.RecordReconcile("retry")
			return
		default:
			p.log.Warn("retry queue full", zap.String("node_id", task.NodeID))
		}
	}
	p.logFailedTask(task, err)
}

func (p *ReconcilePool) retryWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.RetryQueue:
			// 延迟重试，避免立即重试
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Duration(task.Retry) * p.RetryDelay):
			}

			select {
			case p.TaskQueue <- task:
			default:
				p.logFailedTask(task, nil)
			}
		}
	}
}

func (p *ReconcilePool) logFailedTask(task ReconcileTask, err error) {
	p.metrics.RecordReconcile("dropped")
	p.log.Error("reconcile task dropped",
		zap.String("node_id", task.NodeID),
		zap.Int("attempts", task.Retry),
		zap.Error(err),
	)
	p.pending.Done()
}

// AddTask 入队一个全量刷新任务，队列已满时返回 false
func (p *ReconcilePool) AddTask(nodeID string) bool {
	p.pending.Add(1)
	select {
	case p.TaskQueue <- ReconcileTask{NodeID: nodeID}:
		return true
	default:
		p.logFailedTask(ReconcileTask{NodeID: nodeID}, nil)
		return false
	}
}
