package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Swindy123/aichat/internal/api"
	"github.com/Swindy123/aichat/internal/config"
	"github.com/Swindy123/aichat/internal/gameclient"
	"github.com/Swindy123/aichat/internal/history"
	"github.com/Swindy123/aichat/internal/storage"
)

// options collects flag values; zero values defer to the config file.
type options struct {
	configPath string
	gameURL    string
	driver     string
	timeout    time.Duration
	maxRetries int
	addr       string
	room       int
}

func newRootCmd(opts *options) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AICHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "aichat",
		Short:         "Play the riddle game against the remote AI opponent.",
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	pfs := root.PersistentFlags()
	pfs.StringVarP(&opts.configPath, "config", "c", "", "path to config file (env: AICHAT_CONFIG)")
	pfs.StringVar(&opts.gameURL, "game-url", "", "base url of the riddle game service (env: AICHAT_GAME_URL)")
	pfs.StringVar(&opts.driver, "storage", "", "history backend: memory, sqlite3, mysql, redis or bolt (env: AICHAT_STORAGE)")
	pfs.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout for the game service, whole seconds (env: AICHAT_TIMEOUT)")
	pfs.IntVar(&opts.maxRetries, "max-retries", -1, "retries for failed game requests (env: AICHAT_MAX_RETRIES)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().StringVarP(&opts.addr, "addr", "a", "", "address to listen on (env: AICHAT_ADDR)")

	play := &cobra.Command{
		Use:   "play",
		Short: "Play in the terminal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlay(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	play.Flags().IntVarP(&opts.room, "room", "r", -1, "room id to join; random when unset (env: AICHAT_ROOM)")

	root.AddCommand(serve, play)
	for _, fs := range []*pflag.FlagSet{pfs, serve.Flags(), play.Flags()} {
		bindEnv(v, fs)
	}

	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{Hidden: true})
	root.SetVersionTemplate("aichat v{{.Version}}\n")
	return root
}

func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.gameURL != "" {
		cfg.BasicConfig.GameBaseURL = opts.gameURL
	}
	if opts.driver != "" {
		cfg.Storage.Driver = opts.driver
	}
	if opts.timeout != 0 {
		if opts.timeout < 0 || opts.timeout%time.Second != 0 {
			return nil, fmt.Errorf("invalid --timeout %s: must be a whole number of seconds", opts.timeout)
		}
		cfg.BasicConfig.RequestTimeout = int(opts.timeout / time.Second)
	}
	if opts.maxRetries >= 0 {
		cfg.BasicConfig.MaxRetries = opts.maxRetries
	}
	if opts.addr != "" {
		cfg.BasicConfig.ServerAddress = opts.addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deps are the long-lived pieces shared by serve and play.
type deps struct {
	kv      storage.KV
	history *history.Store
	game    *gameclient.Client
}

func openDeps(cfg *config.Config) (*deps, error) {
	log.Printf("storage driver: %s", cfg.Storage.Driver)
	kv, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	game := gameclient.NewClient(gameclient.Config{
		BaseURL:    cfg.BasicConfig.GameBaseURL,
		Timeout:    time.Duration(cfg.BasicConfig.RequestTimeout) * time.Second,
		MaxRetries: cfg.BasicConfig.MaxRetries,
	})
	return &deps{kv: kv, history: history.NewStore(kv), game: game}, nil
}

func runServe(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	d, err := openDeps(cfg)
	if err != nil {
		return err
	}
	defer d.kv.Close()

	router := gin.Default()
	api.NewHandler(d.game, d.history).RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s, game service %s", srv.Addr, cfg.BasicConfig.GameBaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Printf("shutting down")
	return srv.Shutdown(shutdownCtx)
}
