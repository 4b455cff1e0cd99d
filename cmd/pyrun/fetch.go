package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the runtime module into the cache",
		Long: `Download the Python WASM module from --runtime-url (or runtime.url in the
config file) and store it in the cache directory, so later runs start
without touching the network.`,
		Args: cobra.NoArgs,
		RunE: runFetch,
	}
	cmd.Flags().Bool("force", false, "Download again even if cached")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Runtime.URL == "" {
		return errors.New("no runtime URL configured (use --runtime-url)")
	}
	if cfg.Runtime.NoCache {
		return errors.New("fetch needs the cache, drop --no-cache")
	}

	src := httpSource(cfg)
	path := src.CachePath()
	if force {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	data, err := src.Fetch(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", path, len(data))
	return nil
}
