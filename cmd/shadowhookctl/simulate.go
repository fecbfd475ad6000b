package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shadowhook/vtxhook/internal/trace"
	"github.com/shadowhook/vtxhook/internal/ui/colorize"

	"github.com/shadowhook/vtxhook/internal/config"
)

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Install configured targets, enable hooks, and print a summary",
		RunE:  runSimulate,
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("simulate: --config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var events []*trace.Event
	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	sess.engine.OnTrace(func(e *trace.Event) { events = append(events, e) })

	if err := sess.engine.EnableHooks(context.Background()); err != nil {
		return fmt.Errorf("simulate: enable hooks: %w", err)
	}

	reg := sess.engine.Registry()
	fmt.Println(colorize.Header(fmt.Sprintf("installed %d page entries, %d function hooks, %d memory monitors",
		len(reg.PageEntries()), len(reg.FunctionHooks()), len(reg.MemoryMonitors()))))

	for _, e := range events {
		printEvent(e)
	}

	if err := sess.engine.DisableHooks(context.Background()); err != nil {
		return fmt.Errorf("simulate: disable hooks: %w", err)
	}
	return nil
}

func printEvent(e *trace.Event) {
	fmt.Printf("cpu=%d %s %s %s\n",
		e.CPU,
		colorize.Tag(e.PrimaryTag()),
		colorize.Address(e.PageBase),
		colorize.Detail(e.Detail),
	)
}
