package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"codelab/internal/common/cache"
	"codelab/internal/common/db"
	"codelab/internal/common/mq"
	"codelab/internal/common/storage"
	"codelab/internal/grading"
	"codelab/internal/grading/controller"
	"codelab/internal/grading/repository"
	"codelab/internal/grading/service"
	"codelab/internal/sandbox"
	"codelab/internal/sandbox/engine"
	"codelab/internal/sandbox/security"
	"codelab/internal/toolchain"
	"codelab/pkg/utils/logger"
)

const defaultConfigPath = "configs/grader_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	registry := toolchain.NewRegistry()
	if appCfg.Language.File != "" {
		if err := registry.LoadFile(appCfg.Language.File); err != nil {
			logger.Error(context.Background(), "load language file failed", zap.Error(err))
			return
		}
	}

	resolver := security.NewStaticResolver(appCfg.Sandbox.toIsolationProfiles())
	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), resolver)
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}
	manager, err := sandbox.NewManager(sandbox.NewEngineExecutor(eng), appCfg.Sandbox.toManagerConfig())
	if err != nil {
		logger.Error(context.Background(), "init sandbox manager failed", zap.Error(err))
		return
	}

	subRepo, err := repository.NewSubmissionRepository(mysqlDB, objStorage, appCfg.Archive.Bucket)
	if err != nil {
		logger.Error(context.Background(), "init submission repository failed", zap.Error(err))
		return
	}
	caseRepo, err := repository.NewTestCaseRepository(mysqlDB)
	if err != nil {
		logger.Error(context.Background(), "init test case repository failed", zap.Error(err))
		return
	}
	statusCache := repository.NewStatusCache(redisCache)

	orchCfg := appCfg.Grading.toOrchestratorConfig()
	orchCfg.OnCaseDone = func(ctx context.Context, submissionID string, done, total int) {
		statusCache.SetProgress(ctx, submissionID, done, total)
	}
	orch, err := grading.NewOrchestrator(registry, grading.ManagerBackend{Manager: manager}, orchCfg)
	if err != nil {
		logger.Error(context.Background(), "init orchestrator failed", zap.Error(err))
		return
	}

	gradeSvc, err := service.NewGradeService(subRepo, caseRepo, statusCache, orch, objStorage, mqClient,
		appCfg.Worker.toServiceConfig(appCfg.Kafka, appCfg.Source))
	if err != nil {
		logger.Error(context.Background(), "init grade service failed", zap.Error(err))
		return
	}
	runSvc, err := service.NewRunService(caseRepo, orch)
	if err != nil {
		logger.Error(context.Background(), "init run service failed", zap.Error(err))
		return
	}

	if err := gradeSvc.Subscribe(context.Background()); err != nil {
		logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, runSvc, subRepo, statusCache)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "grader http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg ServerConfig, runSvc *service.RunService, subRepo *repository.SubmissionRepository, statusCache *repository.StatusCache) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	api := router.Group("/api/v1/grader")
	gradeController := controller.NewGradeController(runSvc, subRepo, statusCache)
	gradeController.RegisterRoutes(api)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
