package main

import (
	"context"
	"net"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"courier/internal/app"
	"courier/pkg/config"
	"courier/pkg/logger"
	"courier/pkg/shutdown"
)

// build metadata, set via ldflags during release
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	addrVal, dataDir, cfgVal, setFlags := config.ParseCommandFlags()
	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed := config.LoadEffective(cfgPath)

	// Flags win over file and env when given explicitly.
	if setFlags["addr"] {
		if host, port, err := net.SplitHostPort(addrVal); err == nil {
			cfg.Server.Address = host
			if pi, perr := strconv.Atoi(port); perr == nil {
				cfg.Server.Port = pi
			}
		}
	}
	if setFlags["data"] {
		cfg.Storage.MessagePath = filepath.Join(dataDir, "messages")
		cfg.Storage.ConversationPath = filepath.Join(dataDir, "conversations.db")
		cfg.Bus.Dir = filepath.Join(dataDir, "bus")
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	source := "config"
	if envUsed {
		source = "config+env"
	}
	if setFlags["addr"] || setFlags["data"] {
		source += "+flags"
	}

	a, err := app.New(cfg, source, version)
	if err != nil {
		shutdown.Abort("startup failed", err, dataDir)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server failed", err, dataDir)
	}
	logger.Info("exit_clean")
}
