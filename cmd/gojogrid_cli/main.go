// Command gojogrid_cli is an interactive shell over grid indexes. Given arguments
// it runs them as a single command and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojogrid/core/caching/coverage"
	"github.com/sushant-115/gojogrid/core/indexing/spatial/grid"
	"github.com/sushant-115/gojogrid/core/indexmanager"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
	"go.uber.org/zap"
)

var configPath = flag.String("config", "", "Path to the YAML config file")

func main() {
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.Addr != "" {
		log.Info("Serving metrics", zap.String("addr", tel.Addr))
	}

	m, err := indexmanager.New(
		indexmanager.WithLogger(log),
		indexmanager.WithCatalog(cfg.Catalog),
		indexmanager.WithIndexOptions(grid.WithMeter(tel.Meter), grid.WithTracer(tel.Tracer)),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Error("Failed to close indexes", zap.Error(err))
		}
	}()

	cache := coverage.New[coverage.Coverage](coverage.CoverageEquivalence{}, coverage.WithLogger(log), coverage.WithMeter(tel.Meter))
	defer cache.Close()

	sh := newShell(m, cache, cfg.Defaults, os.Stdout)
	ctx := context.Background()
	if len(args) > 0 {
		if err := sh.run(ctx, args); err != nil && !errors.Is(err, errExit) {
			return err
		}
		return nil
	}
	return interactive(ctx, sh, cfg.HistoryFile)
}

func interactive(ctx context.Context, sh *shell, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     historyFile,
		AutoComplete:    completer(sh),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "GojoGrid CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		rl.SetPrompt(sh.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = sh.run(ctx, strings.Fields(line))
		if errors.Is(err, errExit) {
			fmt.Fprintln(rl.Stdout(), "Exiting GojoGrid CLI.")
			return nil
		}
		if err != nil {
			fmt.Fprintln(rl.Stderr(), "Error:", err)
		}
	}
}

func completer(sh *shell) *readline.PrefixCompleter {
	names := readline.PcItemDynamic(func(string) []string { return sh.manager.Names() })
	shapes := []readline.PrefixCompleterInterface{readline.PcItem("point"), readline.PcItem("region")}
	return readline.NewPrefixCompleter(
		readline.PcItem("create"),
		readline.PcItem("use", names),
		readline.PcItem("drop", names),
		readline.PcItem("list"),
		readline.PcItem("insert"),
		readline.PcItem("delete"),
		readline.PcItem("query",
			readline.PcItem("contain", shapes...),
			readline.PcItem("intersect", shapes...),
			readline.PcItem("point"),
			readline.PcItem("nn"),
		),
		readline.PcItem("coverage",
			readline.PcItem("load"),
			readline.PcItem("sample"),
			readline.PcItem("forget"),
		),
		readline.PcItem("backup"),
		readline.PcItem("stats"),
		readline.PcItem("props"),
		readline.PcItem("validate"),
		readline.PcItem("flush"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}
