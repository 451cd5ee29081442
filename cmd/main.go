package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hospitalgpt/internal/config"
	"hospitalgpt/internal/fhir"
	"hospitalgpt/internal/llm"
	"hospitalgpt/internal/output"
	"hospitalgpt/internal/pipeline"

	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	log.Println("Starting HospitalGPT pipeline...")
	cfg := config.LoadConfig()
	setupLogging(cfg.OutputDir, cfg.LogToConsole)
	logConfiguration(cfg)

	sink := output.NewSink(cfg.OutputDir)
	if err := sink.EnsureDirs(); err != nil {
		log.Fatalf("Failed to prepare output directories: %v", err)
	}

	log.Printf("Loading patient data from %s", cfg.BundlePath)
	bundle, err := fhir.LoadBundle(cfg.BundlePath)
	if err != nil {
		log.Fatalf("Failed to load patient bundle: %v", err)
	}
	log.Printf("Loaded bundle with %d entries", len(bundle.Entry))

	client := llm.NewClient(llm.Options{
		APIKey:  cfg.OpenRouterAPIKey,
		Model:   cfg.Model,
		Timeout: cfg.RequestTimeout,
	})
	if !client.HasCredential() {
		log.Println("WARNING: OpenRouter credential missing or malformed; generated content will be placeholder text")
	}

	pipe := pipeline.New(client, pipeline.Options{
		Retry: pipeline.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			Multiplier:  2,
		},
		Workers: cfg.OutreachWorkers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	state, runErr := pipe.Run(ctx, bundle)
	log.Printf("[%s] Pipeline finished in %.2f seconds", pipe.RunID(), time.Since(start).Seconds())

	// Persist whatever we have even when the run was interrupted; the sink
	// substitutes placeholders so the artifacts stay well-formed.
	if err := sink.Write(state); err != nil {
		log.Fatalf("Failed to write output artifacts: %v", err)
	}
	if err := sink.Verify(state); err != nil {
		log.Fatalf("Output verification failed: %v", err)
	}

	if runErr != nil {
		log.Fatalf("Pipeline did not complete: %v", runErr)
	}

	log.Println("Pipeline completed successfully")
	log.Println("Outputs generated:")
	log.Printf("- %s", filepath.Join(cfg.OutputDir, output.SummaryFile))
	log.Printf("- %s", filepath.Join(cfg.OutputDir, output.RiskLabelsFile))
	log.Printf("- %s (%d files)", filepath.Join(cfg.OutputDir, output.EmailsDir, "*.txt"), len(state.Drafts))
}

func setupLogging(outputDir string, logToConsole bool) {
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(outputDir, "workflow.log"),
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	if logToConsole {
		mw := io.MultiWriter(os.Stdout, logFile)
		log.SetOutput(mw)
	} else {
		log.SetOutput(logFile)
	}
}

func logConfiguration(cfg *config.Config) {
	log.Println("--- Pipeline Configuration ---")
	log.Printf("Bundle Path: %s", cfg.BundlePath)
	log.Printf("Output Dir: %s", cfg.OutputDir)
	log.Printf("Model: %s", cfg.Model)
	log.Printf("LLM Timeout: %s", cfg.RequestTimeout)
	log.Printf("Retry: %d attempts, base delay %s", cfg.RetryMaxAttempts, cfg.RetryBaseDelay)
	log.Printf("Outreach Workers: %d", cfg.OutreachWorkers)

	if cfg.OpenRouterAPIKey != "" {
		log.Println("OpenRouter API Key: [SET]")
	} else {
		log.Println("OpenRouter API Key: [NOT SET]")
	}
	log.Println("------------------------------")
}
