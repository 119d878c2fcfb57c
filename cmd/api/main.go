package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/features"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/sandbox"
	"github.com/noah-isme/gema-grader/internal/scoring"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
	cloud "github.com/noah-isme/gema-grader/pkg/cloudinary"
	dockerexec "github.com/noah-isme/gema-grader/pkg/docker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, feature cache disabled")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, falling back to redis events")
			natsConn = nil
		} else {
			defer natsConn.Drain()
		}
	}

	bus := events.NewBus(cfg.EventPrefix, natsConn, redisClient, logger)
	var publisher events.Publisher
	if natsConn != nil || redisClient != nil {
		publisher = bus
	}

	var featureCache features.Cache
	if cache := features.NewRedisCache(redisClient, cfg.FeatureCacheTTL, logger); cache != nil {
		featureCache = cache
	}

	runner := buildRunner(cfg, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())

	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	rubricRepo := repository.NewRubricRepository(db)
	gradeRepo := repository.NewGradeRepository(db)
	modelRepo := repository.NewModelRepository(db)
	correctionRepo := repository.NewCorrectionRepository(db)

	gradingService := service.NewGradingService(service.GradingDeps{
		Submissions: submissionRepo,
		Assignments: assignmentRepo,
		Rubrics:     rubricRepo,
		Grades:      gradeRepo,
		Models:      modelRepo,
		Runner:      runner,
		Scorer: scoring.NewScorer(scoring.Config{
			CommentDensityTarget: cfg.CommentDensityTarget,
			NarrativeWordTarget:  cfg.NarrativeWordTarget,
		}),
		Cache: featureCache,
	}, service.GradingConfig{
		PatternSlots: cfg.FeaturePatternSlots,
		Blend:        scoring.BlendPolicy{Weight: cfg.BlendWeight, MinConfidence: cfg.MinConfidence},
		BatchWorkers: cfg.BatchWorkers,
	}, logger)

	trainingDeps := service.TrainingDeps{
		Grading:     gradingService,
		Submissions: submissionRepo,
		Assignments: assignmentRepo,
		Rubrics:     rubricRepo,
		Corrections: correctionRepo,
		Grades:      gradeRepo,
		Models:      modelRepo,
		Events:      publisher,
	}
	if archiver := buildArchiver(cfg, logger); archiver != nil {
		trainingDeps.Archiver = archiver
	}
	trainingService := service.NewTrainingService(trainingDeps, service.TrainingConfig{
		MinCorpusSize: cfg.MinCorpusSize,
		RidgeLambda:   cfg.RidgeLambda,
	}, validate, logger)

	var commentator ai.Commentator
	if c := buildCommentator(cfg, logger); c != nil {
		commentator = c
	}
	commentaryService := service.NewCommentaryService(submissionRepo, gradeRepo, gradingService, commentator, logger)

	assignmentService := service.NewAssignmentService(assignmentRepo, rubricRepo, validate, logger)
	submissionService := service.NewSubmissionService(submissionRepo, assignmentRepo, validate, logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AutoRetrain {
		if publisher == nil {
			logger.Warn().Msg("automatic retraining requires nats or redis, disabled")
		} else if err := service.NewAutoRetrainer(trainingService, bus, logger).Start(rootCtx); err != nil {
			logger.Error().Err(err).Msg("failed to start automatic retrainer")
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    32 * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSOrigins,
		AccessLog:    cfg.AccessLog,
	})
	router.Register(app, cfg, router.Dependencies{
		AssignmentHandler: handler.NewAssignmentHandler(assignmentService, logger),
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, logger),
		GradingHandler:    handler.NewGradingHandler(gradingService, commentaryService, logger),
		TrainingHandler:   handler.NewTrainingHandler(trainingService, logger),
		GradingLimiter:    middleware.RateLimit("grading", cfg.RateLimitMax, cfg.RateLimitWindow),
		HealthProbes:      healthProbes(db, redisClient, natsConn),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("address", cfg.HTTPAddress()).Str("env", cfg.AppEnv).Msg("grader listening")

	waitForShutdown(app, cancel)
}

// buildRunner prefers the container sandbox and replays recorded notebook
// outputs when no Docker daemon answers.
func buildRunner(cfg config.Config, logger zerolog.Logger) sandbox.Runner {
	executor, err := dockerexec.NewDockerExecutor(dockerexec.Config{
		Host:          cfg.DockerHost,
		Timeout:       cfg.CellTimeout,
		MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
		CPUShares:     int64(cfg.CodeRunCPUShares),
		Logger:        logger,
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = executor.Ping(ctx)
		cancel()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("docker unavailable, grading from recorded notebook outputs")
		return sandbox.NewRecordedRunner()
	}

	return sandbox.NewContainerRunner(executor, sandbox.NewPool(cfg.SandboxWorkers), sandbox.Config{
		CellTimeout:   cfg.CellTimeout,
		MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
		CPUShares:     int64(cfg.CodeRunCPUShares),
		WorkspaceRoot: cfg.WorkspaceRoot,
	}, logger)
}

func buildArchiver(cfg config.Config, logger zerolog.Logger) *cloud.Archiver {
	if cfg.CloudinaryCloudName == "" {
		return nil
	}
	archiver, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryFolder,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("model archive disabled")
		return nil
	}
	return archiver
}

func buildCommentator(cfg config.Config, logger zerolog.Logger) *ai.OpenAICommentator {
	if cfg.OpenAIAPIKey == "" {
		return nil
	}
	commentator, err := ai.NewOpenAICommentator(ai.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("commentary disabled")
		return nil
	}
	return commentator
}

func healthProbes(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.HealthProbe {
	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if natsConn != nil {
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return fmt.Errorf("nats connection %s", natsConn.Status())
			}
			return nil
		}
	}
	return probes
}

func waitForShutdown(app *fiber.App, cancel context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	cancel()

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
