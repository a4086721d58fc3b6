// forge-service is the local multi-agent code-generation daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ternarybob/forge/internal/api"
	"github.com/ternarybob/forge/internal/app"
	"github.com/ternarybob/forge/internal/config"
	"github.com/ternarybob/forge/internal/logger"
	"github.com/ternarybob/forge/internal/service"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "config file path")
	writeConfig := flag.Bool("write-config", false, "write an example config file and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.WriteExampleConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Example config written to %s\n", *configPath)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "forge-service: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log := logger.SetupLogger(cfg)

	application, err := app.Build(cfg)
	if err != nil {
		return err
	}

	if !application.LLMClient.IsAvailable(context.Background()) {
		log.Warn().Str("base_url", cfg.LLM.BaseURL).Msg("LLM runtime not reachable at startup, requests will retry")
	}

	server := api.NewServer(api.Deps{
		Holder:        application.Holder,
		Engine:        application.Engine,
		Conversations: application.Conversations,
		Experiences:   application.Experiences,
		LLMClient:     application.LLMClient,
		LogManager:    application.LogManager,
		Recorder:      application.Recorder,
		Admin:         application.Admin,
		Version:       Version,
	})

	if application.Watcher != nil {
		if err := application.Watcher.Start(); err != nil {
			log.Warn().Err(err).Str("root", cfg.Service.ProjectRoot).Msg("Project watcher failed to start")
		}
	}

	daemon := service.NewDaemon(cfg)
	daemon.OnShutdown(func() {
		if application.Watcher != nil {
			_ = application.Watcher.Stop()
		}
		application.Conversations.Cleanup()
		_ = application.LogManager.Close()
	})

	if err := daemon.Start(server.Handler()); err != nil {
		return err
	}

	daemon.Wait()
	return nil
}
