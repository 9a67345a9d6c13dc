// Command realtime-demo is a minimal terminal client exercising the
// conversation engine end to end: it connects, sends one text message,
// and prints each item as it completes until the assistant's reply
// completes. Structured the way the teacher lays out its flat
// cmd/<name>/main.go binaries.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"realtime/common"
	"realtime/config"
	"realtime/convstore"
	"realtime/domain"
	"realtime/engine"
	"realtime/logging"
	"realtime/secretmanager"
	"realtime/transport"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "realtime-demo",
		Usage: "send one message through the realtime conversation engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "message", Value: "Hello!", Usage: "user message text"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := logging.Get()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	secrets := secretmanager.NewCompositeSecretManager(
		secretmanager.NewEnvSecretManager("REALTIME_"),
		secretmanager.NewKeyringSecretManager("realtime"),
	)
	apiKey, err := secrets.Get(ctx, cfg.CredentialName)
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}

	tr := transport.New(transport.DialConfig{
		Mode:          transport.Mode(cfg.EndpointMode),
		BaseURL:       cfg.BaseURL,
		Model:         cfg.Model,
		Deployment:    cfg.Deployment,
		APIVersion:    cfg.APIVersion,
		APIKey:        apiKey,
		EventIDPrefix: cfg.EventIDPrefix,
	}, log)

	store := convstore.New(cfg.SampleRate)
	session := common.SessionConfig{
		Modalities: []common.Modality{common.ModalityText, common.ModalityAudio},
		Voice:      "alloy",
	}
	client := engine.New(tr, store, session, log)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer client.Disconnect()

	message := cmd.String("message")
	if err := client.SendUserMessageContent(ctx, []domain.ContentPart{
		{Type: domain.ContentInputText, Text: message},
	}); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	for {
		item, err := client.WaitForNextCompletedItem(ctx)
		if err != nil {
			return fmt.Errorf("waiting for item: %w", err)
		}
		fmt.Printf("[%s] %s: %s\n", item.Status, item.Role, item.Formatted.Text)
		if item.Role == domain.RoleAssistant && item.Status == domain.StatusCompleted {
			return nil
		}
	}
}
