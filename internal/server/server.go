package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"yuzu/internal/ai"
	"yuzu/internal/billing"
	"yuzu/internal/config"
	"yuzu/internal/handler"
	authHandler "yuzu/internal/handler/auth"
	"yuzu/internal/knowledge"
	"yuzu/internal/lock"
	"yuzu/internal/pkg/cache"
	"yuzu/internal/pkg/jwt"
	"yuzu/internal/pkg/mongodb"
	"yuzu/internal/repository"
	authRepo "yuzu/internal/repository/auth"
	"yuzu/internal/server/middleware"
	"yuzu/internal/service"
	"yuzu/internal/tool"
	"yuzu/internal/tool/builtin"
)

// Server HTTP 服务器
type Server struct {
	cfg       *config.Config
	engine    *gin.Engine
	mongo     *mongodb.Client
	redis     *cache.RedisCache
	chatSvc   *service.ChatService
	scheduler *service.CompletionScheduler
}

// New 创建服务器实例
func New(cfg *config.Config) (*Server, error) {
	// 设置 Gin 模式
	switch cfg.Server.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建 Gin 引擎
	engine := gin.New()

	// 初始化 MongoDB (可选，未配置时对话与管理接口不可用)
	var mongoClient *mongodb.Client
	if cfg.Mongo.URI != "" {
		client, err := mongodb.New(&cfg.Mongo)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to MongoDB, continuing without it")
		} else {
			mongoClient = client
			log.Info().Str("database", cfg.Mongo.Database).Msg("connected to MongoDB")

			// 创建索引
			if err := mongodb.EnsureIndexes(mongoClient.Database()); err != nil {
				log.Warn().Err(err).Msg("failed to ensure indexes")
			}
		}
	}

	// 初始化 Redis (可选，未配置时对话锁降级为不加锁)
	var redisCache *cache.RedisCache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without it")
		} else {
			redisCache = rc
			log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
		}
	}

	srv := &Server{
		cfg:       cfg,
		engine:    engine,
		mongo:     mongoClient,
		redis:     redisCache,
		scheduler: service.NewCompletionScheduler(),
	}

	// 初始化对话处理编排器（需要 MongoDB 与 AI 配置）
	if mongoClient != nil && cfg.AI.APIKey != "" {
		chatSvc, err := srv.buildChatService(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize chat service, chat endpoints disabled")
		} else {
			srv.chatSvc = chatSvc
			log.Info().
				Str("provider", cfg.AI.Provider).
				Str("model", cfg.AI.Model).
				Msg("initialized chat service")
		}
	} else {
		log.Warn().Msg("MongoDB or AI not configured, chat endpoints disabled")
	}

	// 设置路由
	srv.setupRoutes()

	return srv, nil
}

// buildChatService 组装对话处理编排器及其全部依赖
func (s *Server) buildChatService(ctx context.Context) (*service.ChatService, error) {
	db := s.mongo.Database()

	aiClient, err := ai.NewClient(ctx, &s.cfg.AI)
	if err != nil {
		return nil, err
	}

	botRepo := repository.NewBotRepo(db)
	convStore := s.conversationStore()
	orgRepo := repository.NewOrganizationRepo(db)
	customToolRepo := repository.NewCustomToolRepo(db)
	docRepo := repository.NewDocumentRepo(db)
	leadRepo := repository.NewLeadRepo(db)
	bookingRepo := repository.NewBookingRepo(db)

	registry := tool.NewRegistry(
		builtin.NewLeadCapture(leadRepo),
		builtin.NewCalendar(bookingRepo),
	)
	toolSvc := tool.NewService(registry, customToolRepo)

	var locker service.ConversationLocker = noopLocker{}
	if s.redis != nil {
		locker = lock.NewManager(
			s.redis,
			s.cfg.Chat.LockTTL,
			s.cfg.Chat.LockMaxWait,
			s.cfg.Chat.LockPollInterval,
		)
	} else {
		log.Warn().Msg("Redis not configured, conversation locking disabled")
	}

	return service.NewChatService(
		botRepo,
		convStore,
		locker,
		billing.NewOrgGate(orgRepo),
		knowledge.NewRetriever(docRepo),
		toolSvc,
		aiClient,
		s.scheduler,
		s.cfg.Chat,
	), nil
}

// conversationStore 对话存储
// Redis 可用时套一层读穿缓存；处理流程与管理接口走同一套缓存 key，
// 管理侧的接管/恢复写入才能正确失效缓存
func (s *Server) conversationStore() repository.ConversationBackend {
	repo := repository.NewConversationRepo(s.mongo.Database())
	if s.redis != nil {
		return repository.NewCachedConversationRepo(repo, s.redis)
	}
	return repo
}

// noopLocker Redis 不可用时的降级锁，永远直接获取成功
type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, conversationID string) bool  { return true }
func (noopLocker) WaitUntilFree(ctx context.Context, conversationID string) {}
func (noopLocker) Release(ctx context.Context, conversationID string)       {}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// 全局中间件
	s.engine.Use(middleware.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.Logger())
	s.engine.Use(middleware.CORS())

	// 健康检查
	healthHandler := handler.NewHealthHandler()
	s.engine.GET("/health", healthHandler.Health)
	s.engine.GET("/ready", healthHandler.Ready)

	// Swagger 文档
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// API v1
	v1 := s.engine.Group("/api/v1")
	{
		// 认证接口（公开）
		if s.mongo != nil {
			userRepo := authRepo.NewUserRepo(s.mongo.Database())
			refreshTokenRepo := authRepo.NewRefreshTokenRepo(s.mongo.Database())

			// 从配置读取JWT参数，如果没有配置则使用默认值
			jwtSecret := s.cfg.Auth.JWTSecret
			if jwtSecret == "" {
				jwtSecret = "default-secret-key-change-in-production"
				log.Warn().Msg("JWT secret not configured, using default (NOT SECURE for production)")
			}

			accessTokenExpiry := s.cfg.Auth.AccessTokenExpiry
			if accessTokenExpiry == 0 {
				accessTokenExpiry = 24 * time.Hour
			}

			refreshTokenExpiry := s.cfg.Auth.RefreshTokenExpiry
			if refreshTokenExpiry == 0 {
				refreshTokenExpiry = 7 * 24 * time.Hour
			}

			authSvc := service.NewAuthService(
				userRepo,
				refreshTokenRepo,
				repository.NewOrganizationRepo(s.mongo.Database()),
				jwtSecret,
				accessTokenExpiry,
				refreshTokenExpiry,
			)
			authHdl := authHandler.NewHandler(authSvc)

			v1.POST("/auth/register", authHdl.Register)
			v1.POST("/auth/login", authHdl.Login)
			v1.POST("/auth/refresh", authHdl.Refresh)

			// 需要认证的接口
			authed := v1.Group("")
			authed.Use(middleware.Auth(jwt.NewJWT(jwtSecret, accessTokenExpiry)))
			{
				authed.POST("/auth/logout", authHdl.Logout)
				authed.GET("/auth/me", authHdl.GetMe)

				// 机器人与对话管理
				botHdl := handler.NewBotHandler(repository.NewBotRepo(s.mongo.Database()))
				authed.POST("/bots", botHdl.Create)
				authed.GET("/bots", botHdl.List)
				authed.GET("/bots/:id", botHdl.Get)
				authed.PATCH("/bots/:id", botHdl.Update)

				convHdl := handler.NewConversationHandler(s.conversationStore())
				authed.GET("/conversations", convHdl.List)
				authed.GET("/conversations/:id", convHdl.Get)
				authed.DELETE("/conversations/:id", convHdl.Delete)
				authed.POST("/conversations/:id/pause", convHdl.Pause)
				authed.POST("/conversations/:id/resume", convHdl.Resume)
			}
		} else {
			log.Warn().Msg("MongoDB not configured, auth and management endpoints disabled")
		}

		// 对话处理接口
		if s.chatSvc != nil {
			chatHdl := handler.NewChatHandler(s.chatSvc)
			v1.POST("/chat", chatHdl.Chat)
			v1.POST("/chat/stream", chatHdl.ChatStream)

			webhookHdl := handler.NewWebhookHandler(s.chatSvc)
			v1.POST("/webhook/:bot_id", webhookHdl.Receive)
		}
	}
}

// Run 启动服务器
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	// 启动服务器
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待关闭信号或错误
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server...")

		// 停止待执行的完成转换任务
		s.scheduler.Stop()

		// 关闭连接
		if s.mongo != nil {
			if err := s.mongo.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to close MongoDB connection")
			}
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close Redis connection")
			}
		}

		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Engine 获取 Gin 引擎 (用于测试)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
