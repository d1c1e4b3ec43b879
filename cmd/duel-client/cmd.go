package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"slice-duel/internal/config"
	"slice-duel/internal/logging"
	"slice-duel/internal/room"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type options struct {
	configFile string
	hub        string
	name       string
	deviceFile string
	shareBase  string
	peer       bool
	autoStart  bool
	rematches  int
	skill      float64
	qr         bool

	client config.ClientConfig
}

func (o *options) validate() error {
	if o.skill < 0 || o.skill > 1 {
		return fmt.Errorf("--skill must be between 0 and 1: %v", o.skill)
	}
	if o.rematches < 0 {
		return fmt.Errorf("--rematches must not be negative: %d", o.rematches)
	}
	return nil
}

func newCmd() *cobra.Command {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	opts := &options{}
	clientCfg, cfgErr := config.LoadClient()
	opts.client = clientCfg

	cmd := &cobra.Command{
		Use:           "duel-client",
		Short:         "Headless slice duel player that joins matches through a session hub.",
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       releaseVersion,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgErr != nil {
				return fmt.Errorf("load client config: %w", cfgErr)
			}
			if err := applyConfigFile(cmd.Flags(), opts.configFile); err != nil {
				return err
			}
			logCfg, err := config.LoadLog("duel-client")
			if err != nil {
				return err
			}
			logging.Init(logCfg)
			return opts.validate()
		},
	}

	fs := cmd.PersistentFlags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.StringVarP(&opts.configFile, "config", "c", "", "yaml or toml file with flag values")
	fs.StringVar(&opts.hub, "hub", clientCfg.HubURL, "session hub base url (env: HUB_URL)")
	fs.StringVarP(&opts.name, "name", "n", clientCfg.DisplayName, "display name (env: DISPLAY_NAME)")
	fs.StringVar(&opts.deviceFile, "device-file", clientCfg.DeviceIDPath, "where this device's participant id is kept (env: DEVICE_ID_PATH)")
	fs.StringVar(&opts.shareBase, "share-base", clientCfg.ShareBaseURL, "base of the share link (env: SHARE_BASE_URL)")
	fs.BoolVar(&opts.peer, "peer", false, "negotiate the peer video link (the bot sends no camera, so this checks connectivity only)")
	fs.BoolVar(&opts.autoStart, "auto-start", true, "start as soon as an opponent joins (host only)")
	fs.IntVar(&opts.rematches, "rematches", 0, "rematches to play before leaving (host only)")
	fs.Float64Var(&opts.skill, "skill", 0.7, "chance the bot slices a fruit, 0..1")
	fs.BoolVar(&opts.qr, "qr", true, "print the share link as a terminal QR code")

	cmd.AddCommand(createCmd(opts), joinCmd(opts), sweepCmd(opts))
	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetVersionTemplate("duel-client v{{.Version}}\n")
	return cmd
}

// applyConfigFile copies values from path into flags the user did not set.
func applyConfigFile(fs *pflag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var setErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) || setErr != nil {
			return
		}
		if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			setErr = fmt.Errorf("config %s: %w", f.Name, err)
		}
	})
	return setErr
}

func createCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a session and wait for an opponent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return play(ctx, opts, cmd.OutOrStdout(), "")
		},
	}
}

func joinCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "join CODE|URL",
		Short: "Join a waiting session by code or share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := resolveCode(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return play(ctx, opts, cmd.OutOrStdout(), code)
		},
	}
}

func sweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale sessions and orphaned signaling from the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := dialHub(opts.hub)
			if err != nil {
				return err
			}
			defer st.Close()
			rooms := room.NewService(room.NewRepository(st), "", room.Options{})
			removed, err := rooms.SweepStale(cmd.Context(), opts.client.StaleAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale sessions\n", removed)
			return nil
		},
	}
}

// resolveCode accepts a bare join code or a share link carrying one.
func resolveCode(arg string) (string, error) {
	if strings.Contains(arg, "://") {
		code, _, err := room.CodeFromURL(arg)
		return code, err
	}
	code := room.NormalizeCode(arg)
	if !room.ValidCode(code) {
		return "", fmt.Errorf("%w: %q", room.ErrInvalidCode, arg)
	}
	return code, nil
}
