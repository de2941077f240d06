// Command relaykit runs a pipeline node: the HTTP API, webhook intake,
// the polling scheduler, and (unless disabled) the inline execution
// worker pool. All configuration comes from the environment; see the
// config package for the full variable list.
package main

import (
	"context"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/relaykit/relaykit"
	"github.com/relaykit/relaykit/config"
	"github.com/relaykit/relaykit/telemetry"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaykit: %v\n", err)
		os.Exit(2)
	}

	format := log.FormatJSON
	switch cfg.Format {
	case config.LogTerm:
		format = log.FormatTerminal
	case config.LogAuto:
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "msg", V: "starting pipeline"}, log.KV{K: "addr", V: cfg.Addr()})

	p, err := relaykit.New(ctx, cfg, relaykit.WithLogger(telemetry.NewClueLogger()))
	if err != nil {
		log.Fatal(ctx, err)
	}
	if err := p.Run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}
