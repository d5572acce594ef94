package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cragpack/internal/config"
	"cragpack/internal/model"
	"cragpack/internal/offline"
)

// annotation marking commands that talk to the crag data service
const onlineAnnotation = "online"

var (
	cfgFile string
	logLvl  string
	app     *App
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cragpack",
	Short: "Download crags for offline use",
	Long: `cragpack captures a crag, its photographs, route overlays, detail pages and
an annotated map screenshot into a local store so they stay available without
a network connection.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := v.BindPFlag("log_level", cmd.Flags().Lookup("loglevel")); err != nil {
			return err
		}
		settings, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}

		online := cmd.Annotations[onlineAnnotation] == "true"
		if online {
			err = settings.Validate()
		} else {
			err = settings.ValidateLocal()
		}
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		app, err = NewApp(cmd.Context(), settings, newLogger(settings.LogLevel), online)
		return err
	},
}

var downloadCmd = &cobra.Command{
	Use:         "download <crag-id>",
	Short:       "Download a crag for offline use, replacing any stored copy",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{onlineAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		errOut := cmd.ErrOrStderr()

		var onProgress offline.ProgressFunc
		if !quiet {
			onProgress = func(p offline.Progress) {
				fmt.Fprintf(errOut, "\r%-10s %3d%% (%d/%d)", p.Phase, p.Percent(), p.Completed, p.Total)
				if p.Completed == p.Total {
					fmt.Fprintln(errOut)
				}
			}
		}

		res, err := app.Service().DownloadCrag(cmd.Context(), args[0], onProgress)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Downloaded %s (%s)\n", res.Crag.Name, res.Crag.ID)
		fmt.Fprintf(out, "  images:  %d\n", res.ImageCount)
		fmt.Fprintf(out, "  pages:   %s\n", res.Pages)
		fmt.Fprintf(out, "  photos:  %s\n", res.Photos)
		if res.Stale.Total > 0 {
			fmt.Fprintf(out, "  stale:   %d of %d evicted\n", res.Stale.Cached, res.Stale.Total)
		}
		printFailures(out, res.Pages.Failures)
		printFailures(out, res.Photos.Failures)
		for _, e := range app.RateLimitStatus() {
			fmt.Fprintf(out, "  rate limited: %s\n", e.Message)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored crags, most recent download first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		metas, err := app.Service().List(cmd.Context())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No crags downloaded")
			return nil
		}
		printMetas(cmd.OutOrStdout(), metas)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <crag-id>",
	Short: "Print a stored crag with its photographs as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := app.Service()

		meta, err := svc.Meta(ctx, args[0])
		if err != nil {
			return err
		}
		crag, err := svc.Crag(ctx, args[0])
		if err != nil {
			return err
		}
		if meta == nil || crag == nil {
			return fmt.Errorf("%w: %s is not downloaded", offline.ErrCragNotFound, args[0])
		}
		images, err := svc.ImagesForCrag(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Meta   *model.SnapshotMeta `json:"meta"`
			Crag   *model.CragDetail   `json:"crag"`
			Images []model.ImageDetail `json:"images"`
		}{meta, crag, images})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <crag-id>",
	Short: "Remove a stored crag and its cached resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := app.Service().Remove(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Removed %s: %d images, %d photos evicted, %d kept for other crags\n",
			report.CragID, report.ImageRows, report.Photos.Cached, report.SharedPhotos)
		printFailures(out, report.Pages.Failures)
		printFailures(out, report.Photos.Failures)
		return nil
	},
}

var mapURLCmd = &cobra.Command{
	Use:   "map-url <crag-id>",
	Short: "Serve a stored crag's map screenshot and print its URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.server.Start(); err != nil {
			return err
		}
		url, ok, err := app.Service().MapObjectURL(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no map screenshot stored for %s", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return waitForExit(cmd, app.settings.Server.ObjectURLTTL)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached pages and photographs on a loopback port",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.server.Start(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Serving offline resources on %s\n", app.server.URL())
		return waitForExit(cmd, 0)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := app.GetCacheStats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Snapshots: %d\n", stats.Snapshots)
		fmt.Fprintf(out, "Entries:   %d\n", stats.Entries)
		fmt.Fprintf(out, "Size:      %.2f MB\n", stats.SizeMB)
		fmt.Fprintf(out, "Path:      %s\n", stats.CachePath)
		return nil
	},
}

func init() {
	cobra.OnFinalize(shutdownApp)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cragpack.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLvl, "loglevel", "l", "info", "Set log level. Available: debug, info, warn, error")

	downloadCmd.Flags().BoolP("quiet", "q", false, "Do not print progress")

	rootCmd.AddCommand(downloadCmd, listCmd, showCmd, removeCmd, mapURLCmd, serveCmd, statsCmd)
}

// shutdownApp releases the app after every command, failed ones included
func shutdownApp() {
	if app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.Shutdown(ctx)
	app = nil
}

// waitForExit blocks until the command is interrupted or limit elapses.
// A zero limit waits for the interrupt only.
func waitForExit(cmd *cobra.Command, limit time.Duration) error {
	ctx := cmd.Context()
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintln(cmd.ErrOrStderr(), "URL expired")
	}
	return nil
}

func printMetas(w io.Writer, metas []model.SnapshotMeta) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDOWNLOADED\tMAP")
	for _, m := range metas {
		mapState := "-"
		if m.MapGeneratedAt > 0 {
			mapState = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.CragID, m.Name,
			time.UnixMilli(m.DownloadedAt).Local().Format("2006-01-02 15:04"), mapState)
	}
	tw.Flush()
}

func printFailures(w io.Writer, failures []offline.ItemFailure) {
	for _, f := range failures {
		fmt.Fprintf(w, "  failed: %s: %v\n", f.Key, f.Err)
	}
}
