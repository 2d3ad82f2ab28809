package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"wingo/config"
	"wingo/controllers"
	"wingo/database"
	"wingo/models"
	"wingo/realtime"
	"wingo/routes"
	"wingo/services"
	"wingo/utils"

	"github.com/gofiber/fiber/v2"
	fibercors "github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

var requestCount uint64

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	config.NewLogger()
	logrus.SetReportCaller(false)

	configPath := os.Getenv("WINGO_CONFIG")
	if configPath == "" {
		configPath = "config.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	utils.SetJWTSecret(cfg.Production.Server.JWTSecret)

	// 1. Database
	logrus.Info("initializing database connection...")
	if err := database.ConnectPostgres(cfg); err != nil {
		logrus.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()
	logrus.Info("database connected")

	db := database.NewDatabase()
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(bootCtx); err != nil {
		cancelBoot()
		logrus.Fatalf("failed to ensure schema: %v", err)
	}
	cancelBoot()

	// 2. Engine + realtime sink
	hub := realtime.NewHub()
	engine := services.NewRoundService(db, hub, cfg.Production.Game)
	controllers.InitRoundController(engine, cfg.Production.Server.SettleAllowed)
	logrus.Info("engine initialized")

	// 3. Round clock: keeps every track stocked with a pending round and
	// sweeps elapsed rounds into settlement.
	clockCtx, stopClock := context.WithCancel(context.Background())
	clock := services.NewRoundClock(db, hub, engine, models.Intervals())
	go func() {
		if err := clock.Run(clockCtx); err != nil {
			logrus.Errorf("round clock stopped: %v", err)
		}
	}()

	// 4. HTTP API
	app := fiber.New(fiber.Config{
		IdleTimeout:           60 * time.Second,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
		Concurrency:           256 * 1024,
		ServerHeader:          "Fiber",
		AppName:               "Wingo Round Betting API",
		EnablePrintRoutes:     false,
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: false,
	}))

	app.Use(fibercors.New(fibercors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Content-Type, Authorization",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Sampled request logging: slow requests plus 1% of traffic.
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		atomic.AddUint64(&requestCount, 1)

		err := c.Next()

		duration := time.Since(start)
		currentCount := atomic.LoadUint64(&requestCount)
		if duration > 500*time.Millisecond || currentCount%100 == 0 {
			logrus.WithFields(logrus.Fields{
				"method":   c.Method(),
				"path":     c.Path(),
				"duration": duration.Milliseconds(),
				"status":   c.Response().StatusCode(),
				"ip":       c.IP(),
			}).Info("request sampled")
		}
		return err
	})

	routes.RegisterRoutes(app)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "healthy",
			"service":   "Wingo Round Betting API",
			"timestamp": time.Now().Unix(),
		})
	})

	// 5. Socket server for realtime push
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", hub.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","connected_clients":%d,"timestamp":%d}`,
			hub.ClientCount(), time.Now().Unix())
	})
	socketSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Production.Server.SocketPort),
		Handler: mux,
	}

	serverErr := make(chan error, 2)
	go func() {
		logrus.Infof("socket server starting on :%d", cfg.Production.Server.SocketPort)
		if err := socketSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		logrus.Infof("api server starting on :%d", cfg.Production.Server.APIPort)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Production.Server.APIPort)); err != nil {
			serverErr <- err
		}
	}()

	// 6. Wait for interrupt or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)

	select {
	case <-quit:
		logrus.Info("shutting down...")
	case err := <-serverErr:
		logrus.Errorf("server error: %v", err)
	}

	stopClock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.Shutdown(); err != nil {
		logrus.Errorf("error during api shutdown: %v", err)
	}
	if err := socketSrv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("error during socket shutdown: %v", err)
	}
	hub.Close()

	logrus.Info("server gracefully stopped")
}
