package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codebattle/internal/api"
	"codebattle/internal/app/scheduler"
	"codebattle/internal/app/service"
	"codebattle/internal/app/store"
	"codebattle/internal/common/security"
	"codebattle/internal/domain/repository"
	"codebattle/internal/evaluator"
	"codebattle/internal/languages"
	"codebattle/internal/limiter"
	"codebattle/internal/platform/cache"
	"codebattle/internal/platform/config"
	"codebattle/internal/platform/database"
	"codebattle/internal/sandbox"
	"codebattle/internal/validator"
)

func main() {
	// 1. Load Configuration
	config.Load()
	fmt.Println("Configuration loaded.")

	// 2. Initialize JWT
	security.InitJWT()
	fmt.Println("JWT initialized.")

	// 3. Initialize Database
	database.Connect()
	defer database.Close()
	fmt.Println("Database connected.")

	// 4. Initialize Redis
	cache.ConnectRedis()
	defer cache.CloseRedis()
	fmt.Println("Redis connected.")

	cfg := config.AppConfig

	// 5. Initialize Repositories
	userRepo := repository.NewPgUserRepository(database.DB)
	problemRepo := repository.NewPgProblemRepository(database.DB)
	submissionRepo := repository.NewPgSubmissionRepository(database.DB)
	leaderboardRepo := repository.NewPgLeaderboardRepository(database.DB)
	roomRepo := repository.NewPgRoomRepository(database.DB)

	// 6. Room store (redis primary, Postgres fallback) and battle scheduler
	roomStore := store.NewRoomStore(cache.RDB, roomRepo, time.Duration(cfg.RoomGracePeriodMinutes)*time.Minute)
	battleScheduler := scheduler.New()
	defer battleScheduler.Stop()

	// 7. Execution stack
	registry := languages.NewRegistry()
	codeValidator := validator.New(registry, cfg.ExecMaxCodeBytes)
	dockerSandbox, err := sandbox.NewDockerSandbox()
	if err != nil {
		log.Fatalf("Could not initialize the container sandbox: %v", err)
	}
	jsEvaluator := evaluator.New(
		time.Duration(cfg.EvalTimeoutMs)*time.Millisecond,
		cfg.EvalMaxArgBytes,
		cfg.EvalMaxResultBytes,
	)

	// 8. Initialize Services
	authService := service.NewAuthService(userRepo)
	execService := service.NewExecutionService(registry, codeValidator, dockerSandbox, jsEvaluator)
	problemService := service.NewProblemService(problemRepo, database.DB)
	battleService := service.NewBattleService(
		roomStore, battleScheduler,
		problemRepo, submissionRepo, leaderboardRepo, userRepo,
		execService,
	)

	// Pre-pull runtime images in the background so the first execution does
	// not wait on a registry round trip.
	warmCtx, warmCancel := context.WithCancel(context.Background())
	defer warmCancel()
	go execService.WarmImages(warmCtx)

	// 9. Rate limiting
	rateLimiter := limiter.New(
		cfg.RateLimitGlobalRPS, cfg.RateLimitPerUserRPS,
		cfg.RateLimitBurst, cfg.RateLimitMaxKeys, cfg.RateLimitKeyTTL,
		cfg.ExecMaxConcurrent,
	)
	sweeperDone := make(chan struct{})
	defer close(sweeperDone)
	rateLimiter.StartSweeper(time.Minute, sweeperDone)

	// 10. Initialize Router & HTTP Server
	router := api.NewRouter(authService, problemService, battleService, execService, rateLimiter)

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second, // sandbox runs can be slow
		IdleTimeout:  120 * time.Second,
	}

	// 11. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on port %s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
		}
	}()
	log.Println("Server started successfully.")

	<-stop

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server stopped gracefully.")
}
