package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/jobwait/internal/client"
)

type WaitCmd struct {
	Server     string        `help:"Server URL" default:"http://localhost:8080" env:"JOBWAIT_SERVER"`
	ID         string        `arg:"" help:"job id to wait for"`
	Timeout    time.Duration `help:"request timeout, 0 waits as long as the server allows" default:"0"`
	RetryLimit time.Duration `help:"how long to keep retrying when the server is unreachable" default:"1m"`
}

func (w *WaitCmd) Run(ctx context.Context, globals *Globals) error {
	cfg := client.DefaultConfig()
	cfg.ServerURL = w.Server
	cfg.Timeout = w.Timeout
	cfg.MaxElapsedTime = w.RetryLimit
	cfg.Debug = globals.Debug

	body, err := client.NewClient(cfg).Wait(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("failed waiting for %s: %w", w.ID, err)
	}

	fmt.Println(string(body))
	return nil
}
