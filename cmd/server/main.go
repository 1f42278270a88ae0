package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/jobwait/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool   `help:"Enable debug mode."`
		EnvFile string `help:"Load environment variables from this file before parsing flags." default:".env" type:"path"`
		Version kong.VersionFlag
		Server  commands.ServerCmd `cmd:"" help:"Start the completion wait server"`
	}
)

func main() {
	ctx := context.Background()

	// the env file has to be loaded before kong resolves env tags
	if err := godotenv.Load(envFile(os.Args[1:])); err != nil && !errors.Is(err, fs.ErrNotExist) {
		kong.Must(&cli).FatalIfErrorf(err)
	}

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}

// envFile finds --env-file in args without a full parse.
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
