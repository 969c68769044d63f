// psync-client 命令行同步客户端：连接网关，把更新同步进本地 sqlite 游标库并打印事件。
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PSync/logger"
	"PSync/sdk/apply"
	"PSync/sdk/bucket"
	"PSync/sdk/localdb"
	"PSync/sdk/realtime"
	"PSync/sdk/syncer"
	sec "PSync/tools/security"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		url      = pflag.String("url", "ws://127.0.0.1:8080/ws", "网关地址")
		token    = pflag.String("token", os.Getenv("PSYNC_TOKEN"), "JWT；为空时用 --user/--secret 本地签发")
		userID   = pflag.Int64("user", 0, "用户ID")
		secret   = pflag.String("secret", os.Getenv("PSYNC_JWT_SECRET"), "签发令牌用的密钥（仅开发环境）")
		dbPath   = pflag.String("db", "psync-client.db", "本地游标库")
		parallel = pflag.Int64("parallel", 5, "最大并发补拉数")
		level    = pflag.String("log-level", "info", "日志级别")
	)
	pflag.Parse()
	logger.SetLevel(*level)
	log := logger.Named("client")

	if *userID <= 0 {
		log.Error("--user is required")
		os.Exit(2)
	}
	tok := *token
	if tok == "" {
		var err error
		if tok, _, err = sec.Generate(sec.DefaultOptions([]byte(*secret)), *userID); err != nil {
			log.Error("sign token failed", zap.Error(err))
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, log, *url, tok, *userID, *dbPath, *parallel); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("client exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger, url, tok string, userID int64, dbPath string, parallel int64) error {
	db, err := localdb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	state := apply.NewMemoryState()
	layer := apply.New(db, state, state, apply.Options{SelfID: userID})
	client := realtime.New(realtime.Config{URL: url, Token: realtime.StaticToken(tok)})
	coord := syncer.New(client, layer, db, func(ev bucket.Event) {
		log.Info("bucket event", zap.Stringer("kind", ev.Kind), zap.Stringer("bucket", ev.Key),
			zap.Int64("seq", ev.Seq), zap.Error(ev.Err))
	}, syncer.Config{UserID: userID, MaxConcurrentFetches: parallel})
	defer coord.Close()
	client.Attach(coord)

	if err := coord.Restore(ctx); err != nil {
		return err
	}

	// 定时打印同步状态
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				log.Info("sync status",
					zap.Int("tracked", coord.Tracked()),
					zap.Int("degraded", len(coord.Degraded())),
					zap.Int("notifications", state.Notifications()),
					zap.Bool("connected", client.Connected()))
			}
		}
	}()
	return client.Run(ctx)
}
