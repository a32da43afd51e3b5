package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"samia-escalation/internal/audit"
	"samia-escalation/internal/config"
	"samia-escalation/internal/engine"
	"samia-escalation/internal/httpapi"
	"samia-escalation/internal/monitor"
	"samia-escalation/internal/mqtt"
	"samia-escalation/internal/notifier"
	"samia-escalation/internal/repository"
	"samia-escalation/internal/rules"
	"samia-escalation/internal/siren"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// EscalationService 升级服务（整合各层）
type EscalationService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	callsRepo        *repository.CallsRepository
	rulesRepo        *repository.RulesRepository
	sirensRepo       *repository.SirensRepository
	callLogsRepo     *repository.CallLogsRepository
	participantsRepo *repository.ParticipantsRepository
	availabilityRepo *repository.AvailabilityRepository

	ruleStore       *rules.Store
	auditor         *audit.Logger
	notifier        *notifier.Notifier
	sirenController *siren.Controller
	escalationEng   *engine.Engine
	timeoutMonitor  *monitor.TimeoutMonitor
	expirySweeper   *monitor.ExpirySweeper

	httpServer *http.Server
}

// NewEscalationService 创建升级服务
func NewEscalationService(cfg *config.Config, logger *zap.Logger) (*EscalationService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt: %w", err)
	}

	// 4. 创建 Repository 层
	callsRepo := repository.NewCallsRepository(db, logger)
	rulesRepo := repository.NewRulesRepository(db, logger)
	sirensRepo := repository.NewSirensRepository(db, logger)
	callLogsRepo := repository.NewCallLogsRepository(db, logger)
	participantsRepo := repository.NewParticipantsRepository(db, logger)
	availabilityRepo := repository.NewAvailabilityRepository(db, logger)

	// 5. 规则缓存与审计
	ruleStore := rules.NewStore(rulesRepo,
		time.Duration(cfg.Escalation.RuleRefreshInterval)*time.Second, logger)
	auditor := audit.NewLogger(callLogsRepo, logger)

	// 6. 扇出与警报器控制
	notif := notifier.NewNotifier(cfg, mqttClient, redisClient, availabilityRepo, logger)
	sirenController := siren.NewController(cfg, sirensRepo, notif, auditor, redisClient, logger)

	// 7. 升级引擎
	escalationEng := engine.NewEngine(
		cfg,
		callsRepo,
		ruleStore,
		sirenController,
		participantsRepo,
		auditor,
		redisClient,
		logger,
	)

	// 8. 周期任务
	timeoutMonitor := monitor.NewTimeoutMonitor(
		cfg,
		callsRepo,
		escalationEng,
		ruleStore,
		availabilityRepo,
		auditor,
		logger,
	)
	expirySweeper := monitor.NewExpirySweeper(cfg, sirenController, logger)

	// 9. HTTP 操作面
	router := httpapi.NewRouter(logger)
	router.RegisterEscalationRoutes(
		httpapi.NewCallHandler(escalationEng, callsRepo, callLogsRepo, logger),
		httpapi.NewSirenHandler(sirenController, logger),
		httpapi.NewReaderHandler(cfg, availabilityRepo, redisClient, logger),
	)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	return &EscalationService{
		config:           cfg,
		db:               db,
		redisClient:      redisClient,
		mqttClient:       mqttClient,
		logger:           logger,
		callsRepo:        callsRepo,
		rulesRepo:        rulesRepo,
		sirensRepo:       sirensRepo,
		callLogsRepo:     callLogsRepo,
		participantsRepo: participantsRepo,
		availabilityRepo: availabilityRepo,
		ruleStore:        ruleStore,
		auditor:          auditor,
		notifier:         notif,
		sirenController:  sirenController,
		escalationEng:    escalationEng,
		timeoutMonitor:   timeoutMonitor,
		expirySweeper:    expirySweeper,
		httpServer:       httpServer,
	}, nil
}

// Start 启动服务（阻塞直到 ctx 取消或 HTTP 服务出错）
func (s *EscalationService) Start(ctx context.Context) error {
	s.logger.Info("Starting escalation service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Int("monitor_interval", s.config.Escalation.MonitorInterval),
		zap.Int("expiry_interval", s.config.Escalation.ExpiryInterval),
		zap.Int("critical_ceiling", s.config.Escalation.CriticalCeiling),
	)

	// 周期任务各自独立运行
	go s.ruleStore.Start(ctx)
	go s.timeoutMonitor.Start(ctx)
	go s.expirySweeper.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shut down http server",
				zap.Error(err),
			)
		}
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务
func (s *EscalationService) Stop() error {
	s.logger.Info("Stopping escalation service")

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	s.mqttClient.Disconnect()

	return nil
}
