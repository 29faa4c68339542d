package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raskyld/findnet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

var errNotFound = errors.New("no holder found")

func newLookupCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <content-id>",
		Short: "Resolve a content id to its holders, printing one id per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := findnet.ParseID(args[0])
			if err != nil {
				return err
			}
			holders, err := lookup(cmd.Context(), v, content)
			if err != nil {
				return err
			}
			for _, holder := range holders {
				fmt.Fprintln(cmd.OutOrStdout(), holder)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "give up after this long")
	return cmd
}

// lookup runs a single lookup from a throwaway node: it holds no state, so
// it learns the network from the broker.
func lookup(ctx context.Context, v *viper.Viper, content findnet.ID) (holders []findnet.ID, err error) {
	logger, err := newLogger(v)
	if err != nil {
		return nil, err
	}
	opts, err := commonOptions(v, logger)
	if err != nil {
		return nil, err
	}
	local, err := randomID()
	if err != nil {
		return nil, err
	}

	node, err := findnet.Create(append(opts,
		findnet.WithLocalID(local),
		findnet.WithMetricSink(nil),
	)...)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, node.Shutdown())
	}()

	ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
	defer cancel()

	holders = node.Lookup(ctx, content)
	if len(holders) == 0 {
		return nil, fmt.Errorf("%s: %w", content.Short(), errNotFound)
	}
	return holders, nil
}
