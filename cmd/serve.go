package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-dl/drover/internal/api"
	"github.com/drover-dl/drover/internal/config"
	"github.com/drover-dl/drover/internal/engine"
	"github.com/drover-dl/drover/internal/events"
	"github.com/drover-dl/drover/internal/logging"
	"github.com/drover-dl/drover/internal/netenv"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine",
	Long: `Run the download engine and its local API until interrupted. Exactly one
instance runs per state directory; submissions from other commands are
forwarded over the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.EnsureDirs(); err != nil {
			return fmt.Errorf("failed to create app dirs: %w", err)
		}
		lock, err := acquireInstanceLock(config.GetStateDir())
		if errors.Is(err, errAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "Error: drover is already running.")
			fmt.Fprintln(os.Stderr, "Use 'drover add <url>' to hand a download to the active instance.")
			os.Exit(1)
		}
		if err != nil {
			return err
		}
		defer lock.release()

		settings, err := config.LoadSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			settings.API.Port = port
		}

		log, err := logging.New(config.GetLogsDir(), os.Stderr, verbose)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}

		downloadDir := settings.General.DefaultDownloadDir
		if downloadDir == "" {
			home, _ := os.UserHomeDir()
			downloadDir = filepath.Join(home, "Downloads")
		}

		updates := make(chan any, 64)
		eng, err := engine.New(engine.Options{
			StateDir:       config.GetStateDir(),
			DownloadDir:    downloadDir,
			CacheDir:       config.GetCacheDir(),
			MaxConcurrent:  settings.General.MaxConcurrent,
			UserAgent:      settings.General.UserAgent,
			BandwidthLimit: settings.General.BandwidthLimit,
			Env:            engineEnv(settings),
			Log:            log,
			Updates:        updates,
		})
		if err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The rendering surface here is just the log; hosts with a real
		// surface consume the same channel.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-updates:
					switch msg := msg.(type) {
					case events.Update:
						log.Debug("notification",
							"tag", msg.Tag,
							"title", msg.Title,
							"detail", msg.Detail,
							"progress", msg.Progress)
					case events.UpdateRemoved:
						log.Debug("notification removed", "tag", msg.Tag)
					}
				}
			}
		}()

		srv := &http.Server{
			Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(settings.API.Port)),
			Handler: api.New(eng, log),
		}
		go func() {
			log.Info("api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("api server failed", "error", err)
				stop()
			}
		}()

		log.Info("engine started", "downloads", downloadDir, "max_concurrent", settings.General.MaxConcurrent)
		eng.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	},
}

// engineEnv builds the system environment, feeding it the operator-declared
// connectivity conditions and mobile size caps from the settings file.
func engineEnv(settings *config.Settings) *netenv.System {
	env := netenv.NewSystem()
	env.SetConditions(netenv.Conditions{
		Metered:                    settings.Network.Metered,
		Roaming:                    settings.Network.Roaming,
		Charging:                   true,
		Idle:                       true,
		MaxBytesOverMobile:         settings.Network.MaxBytesOverMobile,
		RecommendedBytesOverMobile: settings.Network.RecommendedBytesOverMobile,
	})
	return env
}

func init() {
	serveCmd.Flags().Int("port", 0, "API port (overrides settings)")
	rootCmd.AddCommand(serveCmd)
}
