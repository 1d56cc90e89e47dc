package database

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PoolMonitorConfig 连接池监控配置
type PoolMonitorConfig struct {
	MonitorInterval time.Duration
	// InUseRatio 使用中连接占上限的比例超过该值时告警
	InUseRatio float64
	// MaxWaitDuration 两次采样之间新增的等待时长超过该值时告警
	MaxWaitDuration time.Duration
}

// DefaultPoolMonitorConfig 默认监控配置
func DefaultPoolMonitorConfig() PoolMonitorConfig {
	return PoolMonitorConfig{
		MonitorInterval: 30 * time.Second,
		InUseRatio:      0.8,
		MaxWaitDuration: time.Second,
	}
}

// PoolAlert 连接池告警
type PoolAlert struct {
	Type      string
	Message   string
	Value     float64
	Threshold float64
}

// PoolMonitor 定期采样 sql.DBStats，连接紧张时输出告警日志
type PoolMonitor struct {
	db     *sql.DB
	config PoolMonitorConfig
	log    *zap.Logger

	mu     sync.Mutex
	last   sql.DBStats
	stopCh chan struct{}
	once   sync.Once
}

// NewPoolMonitor 创建连接池监控器，需调用 Start 启动
func NewPoolMonitor(db *gorm.DB, config PoolMonitorConfig, log *zap.Logger) (*PoolMonitor, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = DefaultPoolMonitorConfig().MonitorInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PoolMonitor{
		db:     sqlDB,
		config: config,
		log:    log.Named("db_pool"),
		stopCh: make(chan struct{}),
	}, nil
}

// Register 将连接池统计注册为 prometheus 指标
func (pm *PoolMonitor) Register(reg prometheus.Registerer, dbName string) error {
	return reg.Register(collectors.NewDBStatsCollector(pm.db, dbName))
}

func (pm *PoolMonitor) Start() {
	go func() {
		ticker := time.NewTicker(pm.config.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				pm.collect()
			case <-pm.stopCh:
				return
			}
		}
	}()
}

func (pm *PoolMonitor) Stop() {
	pm.once.Do(func() { close(pm.stopCh) })
}

func (pm *PoolMonitor) collect() {
	stats := pm.db.Stats()

	pm.mu.Lock()
	alerts := checkPool(pm.last, stats, pm.config)
	pm.last = stats
	pm.mu.Unlock()

	for _, alert := range alerts {
		pm.log.Warn("connection pool alert",
			zap.String("type", alert.Type),
			zap.String("message", alert.Message),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold),
		)
	}
}

// checkPool 比较前后两次采样
func checkPool(prev, cur sql.DBStats, config PoolMonitorConfig) []PoolAlert {
	var alerts []PoolAlert

	if cur.MaxOpenConnections > 0 && config.InUseRatio > 0 {
		ratio := float64(cur.InUse) / float64(cur.MaxOpenConnections)
		if ratio >= config.InUseRatio {
			alerts = append(alerts, PoolAlert{
				Type:      "high_in_use",
				Message:   fmt.Sprintf("in use %d of %d connections", cur.InUse, cur.MaxOpenConnections),
				Value:     ratio,
				Threshold: config.InUseRatio,
			})
		}
	}

	if config.MaxWaitDuration > 0 {
		waited := cur.WaitDuration - prev.WaitDuration
		if waited > config.MaxWaitDuration {
			alerts = append(alerts, PoolAlert{
				Type:      "high_wait_time",
				Message:   fmt.Sprintf("waited %v for %d connections", waited, cur.WaitCount-prev.WaitCount),
				Value:     waited.Seconds(),
				Threshold: config.MaxWaitDuration.Seconds(),
			})
		}
	}
	return alerts
}
