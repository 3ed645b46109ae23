package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"

	"github.com/nimbus-health/telemed-platform/cmd/mainconfig"
	appconfig "github.com/nimbus-health/telemed-platform/internal/config"
	"github.com/nimbus-health/telemed-platform/internal/triage"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// Smoke test for the triage advisor: run with a symptom description and see
// which specialty the configured LLM provider suggests.
//
//	go run ./cmd/triagetest "chest pain when climbing stairs"
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	symptoms := strings.Join(os.Args[1:], " ")
	if strings.TrimSpace(symptoms) == "" {
		log.Fatal("usage: triagetest <symptom description>")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		client triage.LLMClient
		model  string
	)
	switch cfg.TriageProvider {
	case "gemini":
		model = cfg.GeminiModelID
		gemini, err := triage.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			log.Fatalf("create gemini client: %v", err)
		}
		client = gemini
	default:
		model = cfg.BedrockModelID
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			log.Fatalf("load AWS config: %v", err)
		}
		client = triage.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
	}

	advisor := triage.NewAdvisor(client, model, cfg.TriageTimeout, logger)

	start := time.Now()
	result, err := advisor.SuggestSpecialty(ctx, symptoms)
	if err != nil {
		log.Fatalf("suggest specialty: %v", err)
	}

	fmt.Printf("provider:   %s (%s)\n", cfg.TriageProvider, model)
	fmt.Printf("specialty:  %s\n", result.Specialty)
	fmt.Printf("confidence: %.2f\n", result.Confidence)
	fmt.Printf("rationale:  %s\n", result.Rationale)
	fmt.Printf("elapsed:    %v\n", time.Since(start).Round(time.Millisecond))
}
