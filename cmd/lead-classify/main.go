package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/di"
	"github.com/mikey/lead-router/internal/mimetext"
	"github.com/mikey/lead-router/internal/senderfilter"
	"go.uber.org/zap"
)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run classifies one message and prints what the router would do with it.
// Nothing is sent or stored.
func run(
	flags *di.CLIFlags,
	cfg *config.Config,
	logger *zap.Logger,
	classifier core.Classifier,
	filter *senderfilter.Checker,
) error {
	defer logger.Sync()

	// Read message from file or stdin
	var reader io.Reader = os.Stdin
	if flags.InputFile != "" {
		file, err := os.Open(flags.InputFile)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer file.Close()
		reader = file
		logger.Info("Reading message from file", zap.String("file", flags.InputFile))
	} else {
		logger.Info("Reading message from stdin")
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	email, err := mimetext.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	fmt.Printf("\n=== Message Summary ===\n")
	fmt.Printf("From: %s\n", email.From)
	fmt.Printf("To: %s\n", email.To)
	fmt.Printf("Subject: %s\n", email.Subject)
	fmt.Printf("Body length: %d bytes\n", len(email.Body))

	fmt.Printf("\n=== Classification ===\n")
	fmt.Printf("Provider: %s\n", cfg.GetClassifier().Provider)

	startTime := time.Now()
	if filter.IsIgnored(email.From) {
		fmt.Printf("Decision: %s (sender domain is skipped)\n", core.OutcomeSkipped)
		fmt.Printf("Processing time: %v\n", time.Since(startTime))
		return nil
	}

	cls, err := classifier.Classify(context.Background(), email)
	if err != nil {
		return fmt.Errorf("failed to classify message: %w", err)
	}
	cls.Normalize()
	duration := time.Since(startTime)

	fmt.Printf("Is lead: %t\n", cls.IsLead)
	fmt.Printf("Label: %s\n", cls.Label)
	fmt.Printf("Confidence: %.2f\n", cls.Confidence)
	if cls.Strategy != "" {
		fmt.Printf("Strategy: %s\n", cls.Strategy)
	}
	fmt.Printf("Reasoning: %s\n", cls.Reasoning)
	if cls.ModelUsed != "" {
		fmt.Printf("Model used: %s\n", cls.ModelUsed)
	}
	fmt.Printf("Decision: %s\n", core.Decide(cls))
	if cls.Draft != nil {
		fmt.Printf("\n=== Draft ===\n")
		fmt.Printf("Subject: %s\n\n%s\n", cls.Draft.Subject, cls.Draft.Body)
	}
	fmt.Printf("\nProcessing time: %v\n", duration)

	if closer, ok := classifier.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close classifier", zap.Error(err))
		}
	}
	return nil
}
