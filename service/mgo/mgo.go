package mgo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mgo "PSync/data/database/mgo/mongoutil"
	"PSync/logger"
	"PSync/tools/backoff"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Manager 后台维持 Mongo 连接：首次连上 close readyCh，掉线自动重连。
// Mongo 不可用时调用方通过 TryGetDB 降级，而不是阻塞。
type Manager struct {
	mu        sync.RWMutex
	client    *mgo.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
	log     *zap.Logger
}

func NewManager() *Manager {
	return &Manager{readyCh: make(chan struct{}), log: logger.Named("mongo")}
}

const (
	healthEvery = 10 * time.Second // 健康检查周期
	failThresh  = 3                // 连续失败阈值
)

// StartAsync 一直运行到 ctx.Done()
func (m *Manager) StartAsync(ctx context.Context, cfg *mgo.Config) {
	policy := backoff.Policy{Base: 200 * time.Millisecond, Max: 5 * time.Second, MaxShift: 6, Jitter: 0.2}

	go func() {
		for {
			// ===== 连接阶段（带退避重试） =====
			for attempt := 0; ; attempt++ {
				if ctx.Err() != nil {
					return
				}
				cli, err := mgo.NewMongoDB(ctx, cfg)
				if err == nil {
					m.mu.Lock()
					m.client = cli
					m.mu.Unlock()
					m.readyOnce.Do(func() { close(m.readyCh) })
					m.log.Info("mongo connected", zap.String("database", cfg.Database))
					break
				}
				m.lastErr.Store(err)
				m.log.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))
				if backoff.Sleep(ctx, policy.Delay(attempt)) != nil {
					return
				}
			}

			// ===== 健康检查阶段（掉线→重连）=====
			if !m.watch(ctx) {
				return
			}
		}
	}()
}

// watch 返回 false 表示 ctx 结束
func (m *Manager) watch(ctx context.Context) bool {
	fail := 0
	ticker := time.NewTicker(healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return false
		case <-ticker.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			if c == nil {
				return true
			}
			if err := c.GetDB().Client().Ping(ctx, nil); err != nil {
				fail++
				m.lastErr.Store(err)
				if fail >= failThresh {
					m.log.Warn("mongo unhealthy, reconnecting", zap.Error(err))
					m.drop()
					return true
				}
			} else {
				fail = 0
			}
		}
	}
}

func (m *Manager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Close(context.Background())
		m.client = nil
	}
}

// Ready 首次连接成功时会 close
func (m *Manager) Ready() <-chan struct{} { return m.readyCh }

// Err 最近一次错误
func (m *Manager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (m *Manager) TryGetDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.GetDB(), true
}

// WaitReady 已就绪立即返回，否则等首次连接或 ctx 结束
func (m *Manager) WaitReady(ctx context.Context) error {
	if _, ok := m.TryGetDB(); ok {
		return nil
	}
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
