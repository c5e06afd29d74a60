// Runs the torrent engine against a simulated swarm, and inspects its resume store.
//
// Example run:
// $ go run ./cmd/torrent-sched sim --size 16MB --seeders 4 --bad-peers 1 --download-rate 4MB
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
)

type args struct {
	// A YAML, TOML or JSON file of engine settings, applied before any flags.
	Config string `arg:"--config" help:"engine config file"`
	Debug  bool   `help:"log at debug level"`

	Sim    *simCmd    `arg:"subcommand:sim" help:"download a generated torrent from simulated peers"`
	Resume *resumeCmd `arg:"subcommand:resume" help:"list the torrents in a resume store"`
}

func (args) Description() string {
	return "torrent-sched exercises the piece scheduler"
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Levelf(log.Critical, "error: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	var flags args
	p := arg.MustParse(&flags)
	logger := log.Default.WithNames("torrent-sched")
	if flags.Debug {
		logger = logger.WithFilterLevel(log.Debug)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	switch {
	case flags.Sim != nil:
		cfg, err := loadEngineConfig(flags.Config)
		if err != nil {
			return err
		}
		cfg.Logger = logger
		return flags.Sim.run(ctx, cfg, os.Stdout)
	case flags.Resume != nil:
		return flags.Resume.run(os.Stdout)
	default:
		p.WriteHelp(os.Stderr)
		return fmt.Errorf("no command given")
	}
}
