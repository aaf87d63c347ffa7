// The cobra command tree, grounded on teranos-QNTX's cmd/qntx layout
// (one root command, RunE subcommands, flags read via cmd.Flags()) and
// shahbajlive-ntm's daemon-with-signal-handling pulse.go idiom for the
// `run` subcommand's foreground loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glmwarm/zwarmd/eventbus"
	"github.com/glmwarm/zwarmd/scheduler"
)

func newRootCmd(cmds *Commands, hub *eventbus.Hub, events <-chan scheduler.Event) *cobra.Command {
	root := &cobra.Command{
		Use:   "zwarmd",
		Short: "Keep-alive daemon for credential-quota-bound providers",
		Long: `zwarmd watches per-credential quota windows and issues minimal
keep-alive requests on a schedule, so a long idle window never lets a
provider's usage window close unused.

Available commands:
  run         - Start the daemon in the foreground
  status      - Print the current runtime snapshot
  warmup      - Trigger an immediate wake for one slot
  warmup-all  - Trigger an immediate wake for every running slot
  reload      - Re-read the config file from disk and apply it
  stats       - Fetch 24h usage stats for one slot on demand`,
	}

	root.AddCommand(
		newRunCmd(cmds, hub, events),
		newStatusCmd(cmds),
		newWarmupCmd(cmds),
		newWarmupAllCmd(cmds),
		newReloadCmd(cmds),
		newStatsCmd(cmds),
	)
	return root
}

func newRunCmd(cmds *Commands, hub *eventbus.Hub, events <-chan scheduler.Event) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")

			if err := cmds.StartMonitoring(); err != nil {
				return fmt.Errorf("start monitoring: %w", err)
			}
			fmt.Println("zwarmd: monitoring started")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var srv *http.Server
			if listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.Handle("/events", hub)
				srv = &http.Server{Addr: listen, Handler: mux}
				go hub.Run(ctx, events)
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						fmt.Fprintf(os.Stderr, "zwarmd: listen error: %v\n", err)
					}
				}()
				fmt.Printf("zwarmd: listening on %s (/metrics, /events)\n", listen)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			fmt.Println("zwarmd: shutting down")
			cancel()
			if srv != nil {
				_ = srv.Close()
			}
			cmds.StopMonitoring()
			return nil
		},
	}
	cmd.Flags().String("listen", "", "optional address to serve /metrics and a websocket event feed on (e.g. :8090)")
	return cmd
}

func newStatusCmd(cmds *Commands) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current runtime snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmds.GetRuntimeStatus())
		},
	}
}

func newWarmupCmd(cmds *Commands) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup <slot-index>",
		Short: "Trigger an immediate wake for one slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot index %q: %w", args[0], err)
			}
			if err := cmds.WarmupSlot(idx); err != nil {
				return err
			}
			fmt.Printf("zwarmd: warmup requested for slot %d\n", idx)
			return nil
		},
	}
}

func newWarmupAllCmd(cmds *Commands) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup-all",
		Short: "Trigger an immediate wake for every running slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds.WarmupAll()
			fmt.Println("zwarmd: warmup requested for all running slots")
			return nil
		},
	}
}

func newReloadCmd(cmds *Commands) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the config file from disk and apply it",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := cmds.Reload()
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
}

func newStatsCmd(cmds *Commands) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <slot-index>",
		Short: "Fetch 24h usage stats for one slot on demand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot index %q: %w", args[0], err)
			}
			stats, err := cmds.FetchSlotStats(cmd.Context(), idx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
