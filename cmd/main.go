package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/app"
	"skycam-timelapse/internal/logging"
)

type args struct {
	Config string `arg:"-c,--config" default:"config.json" help:"path to the JSON configuration file"`
	Until  string `arg:"--until" help:"capture cutoff as HH:MM, overrides the sunset schedule"`
}

func (args) Description() string {
	return "skycam-timelapse captures webcam frames all day and compiles them into a timelapse with music at sunset"
}

func main() {
	var a args
	arg.MustParse(&a)

	// Load .env file if it exists (try multiple paths)
	envPaths := []string{".env", "../.env", "../../.env"}
	for _, path := range envPaths {
		_ = godotenv.Load(path)
	}

	store, err := internal.OpenStore(a.Config)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	log, err := logging.New(store.Config().Folders.ErrorsLog)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("shutdown signal received")
		cancel()
	}()

	application, err := app.Build(store, log)
	if err != nil {
		log.Errorf("build: %v", err)
		return
	}

	if err := application.Run(ctx, a.Until); err != nil {
		log.Errorf("run: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
}
