package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/0xc0re/eaze/internal/api"
	"github.com/0xc0re/eaze/internal/bluez"
	"github.com/0xc0re/eaze/internal/config"
	"github.com/0xc0re/eaze/internal/logger"
	"github.com/0xc0re/eaze/internal/registry"
	"github.com/0xc0re/eaze/internal/transport"
	"github.com/0xc0re/eaze/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfgManager := config.NewManager(*configPath)
	if err := cfgManager.Load(); err != nil {
		log.Printf("[WARN] Failed to load config: %v\nAttempting to create a default config...", err)
		configDir := filepath.Dir(*configPath)
		if mkErr := os.MkdirAll(configDir, 0755); mkErr != nil {
			log.Fatalf("Failed to create config directory %s: %v", configDir, mkErr)
		}
		if saveErr := cfgManager.Save(); saveErr != nil {
			log.Fatalf("Failed to create default config: %v", saveErr)
		}
		log.Printf("[INFO] Default config created at %s", *configPath)
	}

	cfg := cfgManager.Get()

	if err := logger.Init(cfg.Logging.FilePath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.Debug); err != nil {
		log.Printf("[WARN] Failed to initialize file logging: %v (continuing with stdout only)", err)
		if err := logger.Init("", 0, 0, cfg.Logging.Debug); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
	}
	defer logger.Get().Close()

	logger.Printf("Starting eaze %s on port %d", version.GetVersion(), cfg.Web.Port)

	reg := registry.NewStore(cfg.Transport.RegistryPath)
	if err := reg.Load(); err != nil {
		logger.Warn("Failed to load device registry: %v (starting empty)", err)
	}

	dbusClient, err := bluez.New()
	if err != nil {
		logger.Warn("BlueZ unavailable: %v (write-with-response and signal reads disabled)", err)
		dbusClient = nil
	}

	central, err := transport.NewBLECentral(dbusClient)
	if err != nil {
		logger.Fatal("Failed to initialize Bluetooth adapter: %v", err)
	}

	engine := transport.New(central, reg, cfgManager)

	wsHub := api.NewHub()
	go wsHub.Run()

	bridge := api.NewBridge(wsHub, engine)
	engine.SetCodec(bridge)

	handler := api.NewHandler(cfgManager, engine, reg, wsHub)
	handler.SetVersion(version.GetVersion())

	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/api/devices", handler.HandleDevices)
	mux.HandleFunc("/api/devices/", handler.HandleDeviceAction)
	mux.HandleFunc("/api/scan/start", handler.HandleScanStart)
	mux.HandleFunc("/api/scan/stop", handler.HandleScanStop)
	mux.HandleFunc("/api/registry", handler.HandleRegistry)
	mux.HandleFunc("/api/config", handler.HandleConfig)
	mux.HandleFunc("/api/verify/retry", handler.HandleVerifyRetry)
	mux.HandleFunc("/api/verify/cancel", handler.HandleVerifyCancel)
	mux.HandleFunc("/ws", handler.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed: %v", err)
		}
	}()

	logger.Printf("Server started at http://localhost:%d", cfg.Web.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("Shutting down...")

	engine.StopScan()
	engine.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}

	logger.Println("Server stopped")
}
