package main

import (
	"context"
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

	"github.com/markm8/grading-api/internal/config"
	"github.com/markm8/grading-api/internal/database"
	"github.com/markm8/grading-api/internal/handler"
	"github.com/markm8/grading-api/internal/middleware"
	"github.com/markm8/grading-api/internal/models"
	"github.com/markm8/grading-api/internal/repository"
	"github.com/markm8/grading-api/internal/router"
	"github.com/markm8/grading-api/internal/service"
	"github.com/markm8/grading-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Student{},
		&models.Essay{},
		&models.Grade{},
		&models.GradeFailure{},
		&models.CreditAccount{},
		&models.CreditTransaction{},
		&models.CatalogModel{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	// Redis and NATS are optional. Without them progress events stay
	// in-process, which is fine for a single node.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	grader, err := buildGrader(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create grader: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	essayRepo := repository.NewEssayRepository(db)
	gradeRepo := repository.NewGradeRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	creditRepo := repository.NewCreditRepository(db)

	broker := service.NewProgressBroker(redisClient, natsConn, "markm8", logger)
	executor := service.NewRunExecutor(grader, logger)
	synthesis := service.NewSynthesisStage(grader, logger)

	creditService := service.NewCreditService(creditRepo, cfg.SignupBonus, logger)
	essayService := service.NewEssayService(essayRepo, validate, logger)
	gradingService := service.NewGradingService(
		gradeRepo, essayRepo, catalogRepo, creditService,
		executor, synthesis, broker,
		cfg.Grading, cfg.Synthesis, logger,
	)

	essayHandler := handler.NewEssayHandler(essayService, logger)
	gradeHandler := handler.NewGradeHandler(gradingService, broker, logger)
	creditHandler := handler.NewCreditHandler(creditService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		EssayHandler:  essayHandler,
		GradeHandler:  gradeHandler,
		CreditHandler: creditHandler,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	broker.Start(workerCtx)
	gradingService.Start(workerCtx)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func buildGrader(cfg config.Config, logger zerolog.Logger) (ai.Grader, error) {
	if cfg.Grading.Mode == config.ModeMock {
		return ai.NewMockGrader(), nil
	}

	return ai.NewOpenRouterClient(ai.OpenRouterConfig{
		APIKey:  cfg.ProviderAPIKey,
		BaseURL: cfg.ProviderBaseURL,
		Logger:  logger,
	})
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
