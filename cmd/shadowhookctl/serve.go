package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/shadowhook/vtxhook/internal/config"
	"github.com/shadowhook/vtxhook/internal/introspect"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Install configured targets, enable hooks, and serve a JSON introspection endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "address to serve the introspection endpoint on")
	return cmd
}

func runServe(listen string) error {
	if configPath == "" {
		return fmt.Errorf("serve: --config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	if err := sess.engine.EnableHooks(context.Background()); err != nil {
		return fmt.Errorf("serve: enable hooks: %w", err)
	}

	fmt.Println("serving registry snapshot on", listen, "GET /v1/registry")
	return http.ListenAndServe(listen, introspect.NewHandler(sess.engine))
}
