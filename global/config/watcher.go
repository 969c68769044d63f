package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"PSync/logger"
	"PSync/tools/errs"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var (
	current   AppConfig
	currentMu sync.RWMutex
)

// Current 最近一次成功加载的配置
func Current() AppConfig {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

func setCurrent(c AppConfig) {
	currentMu.Lock()
	current = c
	currentMu.Unlock()
}

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// Watch 监听配置文件所在目录（兼容先写临时文件再 rename 的下发方式），
// 事件在 debounce 内合并，重新加载并通过校验后回调 onChange。
// 只适合可热更的项（日志级别等），连接类配置需要重启。
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(AppConfig)) error {
	if path == "" {
		return nil
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errs.WrapMsg(err, "config path", "path", path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.WrapMsg(err, "new config watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return errs.WrapMsg(err, "watch config dir", "dir", filepath.Dir(abs))
	}
	if cfg, err := Load(path); err == nil {
		setCurrent(cfg)
	}

	log := logger.Named("config")
	name := filepath.Base(abs)
	go func() {
		defer w.Close()
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name || ev.Op&reloadOps == 0 {
					continue
				}
				fire = time.After(debounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			case <-fire:
				fire = nil
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config changed but invalid, keep current", zap.String("path", path), zap.Error(err))
					continue
				}
				setCurrent(cfg)
				log.Info("config reloaded", zap.String("path", path))
				if onChange != nil {
					onChange(cfg)
				}
			}
		}
	}()
	return nil
}
