package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to load .env", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "docchat",
		Usage: "Upload, analyze, and chat with your documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("DOCCHAT_CONFIG"),
				Usage:   "Path to config file",
			},
			&cli.StringFlag{
				Name:  "api-url",
				Usage: "Document service URL (overrides config and DOCCHAT_API_URL)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug|info|warn|error)",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			signupCommand(),
			logoutCommand(),
			whoamiCommand(),
			listCommand(),
			showCommand(),
			deleteCommand(),
			tagsCommand(),
			searchCommand(),
			uploadCommand(),
			analyzeCommand(),
			downloadCommand(),
			historyCommand(),
			chatCommand(),
			askCommand(),
			summarizeCommand(),
			serveCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
