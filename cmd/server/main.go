package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"worldplane.dev/internal/config"
	"worldplane.dev/internal/persistence/s3mirror"
	"worldplane.dev/internal/server"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides WP_ADDR)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides WP_DATA_DIR)")
		configDir  = flag.String("configs", "", "config directory (overrides WP_CONFIG_DIR)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	env, err := config.ParseEnv()
	if err != nil {
		logger.Fatalf("env: %v", err)
	}
	if *addr != "" {
		env.Addr = *addr
	}
	if *dataDir != "" {
		env.DataDir = *dataDir
	}
	if *configDir != "" {
		env.ConfigDir = *configDir
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(env.ConfigDir, "tuning.yaml")
	}
	tuning, err := config.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("tuning: %v", err)
		}
		logger.Printf("no tuning.yaml at %s, using defaults", tp)
		tuning = config.Defaults()
	}

	var mirror *s3mirror.Mirror
	if env.MirrorEnabled() {
		client, err := s3mirror.NewClient(env.MirrorEndpoint, env.MirrorBucket, env.MirrorRegion, env.MirrorAccessKey, env.MirrorSecretKey)
		if err != nil {
			logger.Fatalf("mirror: %v", err)
		}
		mirror = s3mirror.New(client, env.DataDir, env.MirrorPrefix, 0, 0, 0, logger)
		logger.Printf("mirroring %s to bucket %s", env.DataDir, env.MirrorBucket)
	}

	srv, err := server.New(server.Options{
		Tuning:        tuning,
		Addr:          env.Addr,
		DataDir:       env.DataDir,
		AffordanceDir: filepath.Join(env.ConfigDir, "affordances"),
		Logger:        logger,
		Mirror:        mirror,
	})
	if err != nil {
		logger.Fatalf("server: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("run: %v", err)
	}
	logger.Printf("shutdown complete")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
