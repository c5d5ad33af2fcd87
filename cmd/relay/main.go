package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/raymondelooff/sensor-stream-relay/relay"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	c, err := relay.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	// Set up logger
	logger, err := newLogger(c)
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// Set up relay
	r := relay.NewRelay(c, sugar)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

		<-exit

		sugar.Info("relay: shutting down")
		cancel()
	}()

	if err := r.Run(ctx); err != nil {
		sugar.Fatalf("relay: %s", err)
	}

	sugar.Info("relay: shutdown OK")
}

// newLogger builds the zap logger. Env "dev" selects the development config,
// anything else logs production JSON. When a log file is configured the
// output rotates through lumberjack instead of going to stderr.
func newLogger(c *relay.Config) (*zap.Logger, error) {
	if c.Log.File == "" {
		if c.Env == "dev" {
			return zap.NewDevelopment()
		}
		return zap.NewProduction()
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	level := zap.InfoLevel
	if c.Env == "dev" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		level = zap.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
		}),
		level,
	)

	return zap.New(core), nil
}
