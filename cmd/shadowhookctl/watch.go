package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/shadowhook/vtxhook/internal/config"
	"github.com/shadowhook/vtxhook/internal/trace"
	"github.com/shadowhook/vtxhook/internal/ui/watch"
)

func newWatchCmd() *cobra.Command {
	var capacity int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Install configured targets, enable hooks, and stream a live trace TUI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(capacity)
		},
	}
	cmd.Flags().IntVar(&capacity, "history", 500, "number of trace events to keep on screen")
	return cmd
}

func runWatch(capacity int) error {
	if configPath == "" {
		return fmt.Errorf("watch: --config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}

	p := tea.NewProgram(watch.New(capacity))

	sess.engine.OnTrace(func(e *trace.Event) {
		p.Send(watch.EventMsg(e))
	})

	go func() {
		if err := sess.engine.EnableHooks(context.Background()); err != nil {
			fmt.Println("enable hooks:", err)
		}
		p.Send(watch.ActiveMsg(sess.engine.Active()))
	}()

	_, err = p.Run()
	return err
}
