package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aiplaybookin/monitoring-observability/pkg/config"
	"github.com/aiplaybookin/monitoring-observability/pkg/dashboard"
	"github.com/aiplaybookin/monitoring-observability/pkg/lifecycle"
	"github.com/aiplaybookin/monitoring-observability/pkg/query"
	"github.com/aiplaybookin/monitoring-observability/pkg/state"
	"github.com/aiplaybookin/monitoring-observability/pkg/stream"
	"github.com/aiplaybookin/monitoring-observability/pkg/tabs"
)

var (
	watchURL      string
	watchTab      string
	watchInterval time.Duration
	watchRuns     []string
	watchRange    string
)

// allRuns as the only --runs entry selects every known run.
const allRuns = "all"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a metrics stream in the terminal",
	Long: `Connect to a trainwatch stream and redraw a dashboard tab as data arrives.
The connection is retried with exponential backoff (1s doubling up to 30s).

Tabs: training, system, model, checkpoints, progress

Runs are selected automatically as they appear. --runs pins the selection
once the first snapshot arrives; runs that start later are still added.
--range limits the per-run summaries to the last 1d, 3d or 1w.

Examples:
  trainwatch watch
  trainwatch watch --url http://gpu-box:8000/stream --tab system
  trainwatch watch --runs run-a,run-b --range 1d`,
	RunE: runWatch,
}

func init() {
	d := config.Default()

	watchCmd.Flags().StringVar(&watchURL, "url", d.Client.URL, "Stream URL")
	watchCmd.Flags().StringVar(&watchTab, "tab", d.Client.Tab, "Dashboard tab")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", d.Client.RefreshInterval, "Redraw interval")
	watchCmd.Flags().StringSliceVar(&watchRuns, "runs", d.Client.Runs, "Runs to show (comma separated, or \"all\")")
	watchCmd.Flags().StringVar(&watchRange, "range", d.Client.Range, "Time range: 1d, 3d, 1w, all")

	rootCmd.AddCommand(watchCmd)
}

// applyWatchFlags copies explicitly set flags over the loaded config.
func applyWatchFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("url") {
		c.Client.URL = watchURL
	}
	if f.Changed("tab") {
		c.Client.Tab = watchTab
	}
	if f.Changed("interval") {
		c.Client.RefreshInterval = watchInterval
	}
	if f.Changed("runs") {
		c.Client.Runs = watchRuns
	}
	if f.Changed("range") {
		c.Client.Range = watchRange
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	applyWatchFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	tab := tabs.Key(cfg.Client.Tab)
	if _, ok := tabs.Lookup(tab); !ok {
		return fmt.Errorf("unknown tab %q (want one of %v)", cfg.Client.Tab, tabs.Keys())
	}
	if cfg.Client.RefreshInterval <= 0 {
		return fmt.Errorf("invalid redraw interval %s", cfg.Client.RefreshInterval)
	}

	ctx, stop := lifecycle.SignalContext(cmd.Context())
	defer stop()

	store := state.NewStore().
		WithSeriesCap(cfg.Client.SeriesCap).
		WithRejectStale(cfg.Client.RejectStaleVersions)

	tr, err := state.PresetRange(cfg.Client.Range, time.Now())
	if err != nil {
		return err
	}
	store.SetTimeRange(tr)

	m := stream.NewManager(cfg.Client.URL, store, logger,
		stream.WithRetry(cfg.Client.RetryFloor, cfg.Client.RetryCeiling),
		stream.WithStatusHook(pinSelection(store, cfg.Client.Runs)),
	)
	dash := dashboard.New(query.New(store), tab, version)

	logger.Info("Watching",
		zap.String("url", cfg.Client.URL),
		zap.String("tab", string(tab)),
		zap.Strings("runs", cfg.Client.Runs),
		zap.String("range", cfg.Client.Range),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Run(ctx)
	})
	g.Go(func() error {
		return redraw(ctx, dash, store, m, cfg.Client.RefreshInterval)
	})
	return g.Wait()
}

// pinSelection returns a status hook that replaces the auto-selection with
// runs when the first snapshot has been applied. Empty runs keeps the
// auto-selection.
func pinSelection(store *state.Store, runs []string) func(stream.Status) {
	var once sync.Once
	return func(s stream.Status) {
		if len(runs) == 0 || s != stream.StatusConnected {
			return
		}
		once.Do(func() {
			if len(runs) == 1 && runs[0] == allRuns {
				store.SelectAll()
				return
			}
			store.DeselectAll()
			for _, id := range runs {
				if !store.View().IsSelected(id) {
					store.ToggleRun(id)
				}
			}
		})
	}
}

// redraw repaints the dashboard at most once per interval, and only when
// the state or the connection status changed.
func redraw(ctx context.Context, dash *dashboard.Dashboard, store *state.Store, m *stream.Manager, interval time.Duration) error {
	changes, cancel := store.Subscribe()
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dirty := true
	var lastStatus stream.Status

	for {
		if status := m.Status(); dirty || status != lastStatus {
			if err := dash.Draw(os.Stdout, status, time.Now()); err != nil {
				return err
			}
			dirty, lastStatus = false, status
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			dirty = true
			// wait for the tick so bursts coalesce into one frame
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		case <-ticker.C:
		}
	}
}
