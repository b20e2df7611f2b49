package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/courier/internal/config"
	"github.com/haasonsaas/courier/internal/store"
)

// buildPluginsCmd manages plugin records directly in the store, for
// administration while the bot is offline. Changes take effect on the next
// sync.
func buildPluginsCmd() *cobra.Command {
	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage plugin records in the store",
	}

	pluginsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List known plugins",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(ctx context.Context, st store.Store) error {
					recs, err := st.Find(ctx, store.Filter{})
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "NAME\tENABLED\tUSES\tCRASHES\tORPHANED")
					for _, rec := range recs {
						fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%t\n",
							rec.Name, rec.Enabled, rec.UsageCount, rec.CrashCount, rec.Orphaned)
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "enable <name>",
			Short: "Enable a plugin and clear its crash counter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setEnabled(args[0], true)
			},
		},
		&cobra.Command{
			Use:   "disable <name>",
			Short: "Disable a plugin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setEnabled(args[0], false)
			},
		},
	)
	return pluginsCmd
}

func setEnabled(name string, enabled bool) error {
	return withStore(func(ctx context.Context, st store.Store) error {
		upd := store.Update{Enabled: store.BoolPtr(enabled)}
		if enabled {
			zero := 0
			upd.CrashCount = &zero
			upd.ClearLastCrash = true
		}
		if err := st.Update(ctx, name, upd); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no such plugin: %s", name)
			}
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("%s %s\n", name, state)
		return nil
	})
}

func withStore(fn func(context.Context, store.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open plugin store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, st)
}
