package main

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/raskyld/findnet"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FINDD"

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "findd",
		Short:         "findd answers \"who holds content X?\" for a content-addressable storage network",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Serve a find node, learning its peers from the broker
  findd serve --id $(findd id) --broker http://broker:7000 --data-dir /var/lib/findd

  # Same thing, configured from the environment
  FINDD_ID=... FINDD_BROKER=http://broker:7000 findd serve

  # Resolve a content id from the command line
  findd lookup --broker http://broker:7000 <content-id>
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			return loadConfigFile(v)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to a YAML or TOML config file")
	persistentFlags.String("broker", "", "base URL of the broker")
	persistentFlags.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	persistentFlags.String("log-format", "text", "log format (text, json)")
	persistentFlags.Duration("http-timeout", 10*time.Second, "timeout of every outbound HTTP call")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(newServeCommand(v))
	cmd.AddCommand(newLookupCommand(v))
	cmd.AddCommand(newIDCommand())
	return cmd
}

// bindFlags makes every flag of the command being run readable through v,
// so flags, environment and config file share the same keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(flag *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(flag.Name, flag)
	})
	return err
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func newLogger(v *viper.Viper) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("parse log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format := strings.ToLower(v.GetString("log-format")); format {
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log-format %q", format)
	}
	return slog.New(handler).With("app", "findd"), nil
}

// commonOptions are the node options shared by every subcommand.
func commonOptions(v *viper.Viper, logger *slog.Logger) ([]findnet.Option, error) {
	broker := v.GetString("broker")
	if broker == "" {
		return nil, fmt.Errorf("--broker (or %s_BROKER) is required", envPrefix)
	}
	return []findnet.Option{
		findnet.WithBrokerURL(broker),
		findnet.WithHTTPClient(&http.Client{Timeout: v.GetDuration("http-timeout")}),
		findnet.WithLog(logger.Handler()),
	}, nil
}

func newIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print a new random id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := randomID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func randomID() (findnet.ID, error) {
	var id findnet.ID
	if _, err := rand.Read(id[:]); err != nil {
		return findnet.ID{}, fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}
