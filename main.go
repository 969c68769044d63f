package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PSync/global"
	"PSync/global/config"
	"PSync/logger"
	mid "PSync/middleware"
	midsec "PSync/middleware/security"
	"PSync/module/chat/message"
	"PSync/module/user"
	"PSync/module/update/group"
	"PSync/module/update/materialize"
	"PSync/module/update/reader"
	"PSync/module/update/writer"
	"PSync/service/chat"
	"PSync/service/chat/handlers"
	"PSync/service/natsx"
	"PSync/service/storage"
	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		cfgPath = pflag.StringP("config", "c", os.Getenv("PSYNC_CONFIG"), "yaml 配置文件路径")
		listen  = pflag.String("listen", "", "覆盖 node.listen")
		node    = pflag.String("node", "", "覆盖 node.id")
	)
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Node.Listen = *listen
	}
	if *node != "" {
		cfg.Node.ID = *node
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// 日志级别可热更
	if err := config.Watch(ctx, *cfgPath, 200*time.Millisecond, func(c config.AppConfig) { logger.SetLevel(c.Log.Level) }); err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	}

	if err := run(ctx, cfg); err != nil {
		logger.Error("psync exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig) error {
	log := logger.Named("main")
	global.ConfigIds(cfg)

	st, err := global.ConfigStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 成员关系与在线登记：有 redis 走 redis，否则单机内存
	var (
		groups   group.Resolver
		members  group.Membership
		presence *storage.Presence
	)
	rdb, err := global.ConfigRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		rg := storage.NewRedisGroups(rdb)
		groups, members = rg, rg
		presence = storage.NewPresence(rdb)
	} else {
		sg := group.NewStatic()
		groups, members = sg, sg.Members()
		log.Warn("redis not configured, single node mode")
	}

	var material materialize.Materializer = materialize.Noop{}
	var docs *materialize.Mongo
	if mm := global.ConfigMgo(ctx, cfg); mm != nil {
		docs = materialize.NewMongo(mm.TryGetDB)
		material = docs
	}

	conns := chat.NewConnManager(chat.ManagerConf{
		UnauthTTL:  cfg.Conn.UnauthTTL,
		AuthTTL:    cfg.Conn.AuthTTL,
		SweepEvery: cfg.Conn.SweepEvery,
		MaxPerUser: cfg.Conn.MaxPerUser,
		SendQueue:  cfg.Fanout.ConnQueue,
	})
	defer conns.Close()

	var notifierOpts []chat.NotifierOption
	notifierOpts = append(notifierOpts, chat.WithMaterializer(material))
	nc, err := global.ConfigNats(cfg)
	if err != nil {
		return err
	}
	var bus *natsx.UpdateBus
	if nc != nil {
		defer nc.Close()
		idem := natsx.NewMemIdem(time.Minute)
		defer idem.Close()
		bus = natsx.NewUpdateBus(nc, cfg.Node.ID, idem, time.Minute)
		if presence != nil {
			notifierOpts = append(notifierOpts, chat.WithRemote(presence, bus))
		} else {
			log.Warn("nats without redis presence, cross node push disabled")
		}
	}
	notifier := chat.NewNotifier(chat.NotifierConf{
		Workers:   cfg.Fanout.Workers,
		QueueSize: cfg.Fanout.QueueSize,
	}, groups, conns, notifierOpts...)
	defer notifier.Close()
	if bus != nil {
		if err := bus.Subscribe(notifier.DeliverRemote); err != nil {
			return err
		}
	}

	w := writer.New(st, writer.Options{MaxRetry: cfg.Store.MaxRetry}, notifier, writer.LogSink{Log: logger.Named("committed")})
	exporter, err := global.ConfigKafka(cfg)
	if err != nil {
		return err
	}
	if exporter != nil {
		defer exporter.Close()
		w.AddSink(exporter)
	}

	rd := reader.New(st, groups, material, reader.Options{
		TotalCap:          cfg.Store.TotalCap,
		PageSize:          cfg.Store.PageCap,
		DiscoveryLookback: cfg.Store.DiscoveryLookback,
	})
	var msgOpts []message.Option
	if docs != nil {
		msgOpts = append(msgOpts, message.WithDocs(docs))
	}
	msgSvc := message.New(w, groups, members, message.Options{}, msgOpts...)

	if cfg.JWT.Secret == "" {
		log.Warn("jwt secret is empty, tokens are forgeable")
	}
	jwt := sec.DefaultOptions([]byte(cfg.JWT.Secret))
	if cfg.JWT.Alg != "" {
		jwt.Alg = cfg.JWT.Alg
	}
	if cfg.JWT.TTL > 0 {
		jwt.TTL = cfg.JWT.TTL
	}
	disp := chat.NewDispatcher()
	handlers.Register(disp, rd)
	var srvPresence chat.Presence
	if presence != nil {
		srvPresence = presence
	}
	srv := chat.NewServer(chat.ServerConf{
		NodeID:   cfg.Node.ID,
		JWT:      jwt,
		RPCRate:  cfg.Conn.RPCRate,
		RPCBurst: cfg.Conn.RPCBurst,
	}, conns, disp, srvPresence)
	conns.SetOnRemove(srv.OnConnRemoved)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(mid.Recovery(), mid.AccessLog(logger.Named("http")))
	r.GET("/ws", srv.HandleWS)
	rt := mid.NewRouter(r, midsec.Middleware(midsec.DefaultOptions(jwt)))
	handlers.RegisterHTTP(rt, rd, nil)
	handlers.RegisterMessages(rt, msgSvc)
	if cfg.JWT.DevLogin {
		rt.POST("/v1/login", user.HandlerLogin(jwt), mid.RouteOpt{})
		log.Warn("dev login enabled, do not use in production")
	}

	hs := &http.Server{Addr: cfg.Node.Listen, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Node.Listen), zap.String("node", cfg.Node.ID),
			zap.String("store", cfg.Store.Driver))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}
