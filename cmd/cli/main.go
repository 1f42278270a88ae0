package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/cmd/cli/internal/commands"
	"github.com/wolfeidau/jobwait/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Publish commands.PublishCmd `cmd:"" help:"Publish a job completion"`
		Wait    commands.WaitCmd    `cmd:"" help:"Wait for a job completion"`
		Debug   bool                `help:"Enable debug mode."`
		EnvFile string              `help:"Load environment variables from this file before parsing flags." default:".env" type:"path"`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(envFile(os.Args[1:])); err != nil && !errors.Is(err, fs.ErrNotExist) {
		kong.Must(&cli).FatalIfErrorf(err)
	}

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)
	zerolog.DefaultContextLogger = &log.Logger

	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}

func envFile(args []string) string {
	for i, arg := range args {
		if arg == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
		if path, ok := strings.CutPrefix(arg, "--env-file="); ok {
			return path
		}
	}
	return ".env"
}
