package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-metrics"
	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/findnet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a find node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("id", "", "id of this node, 64 hexadecimal characters")
	flags.String("listen", ":7100", "listen address of the find protocol")
	flags.String("data-dir", "", "directory where the knowledge base is persisted (empty disables persistence)")
	flags.Bool("metrics", true, "serve Prometheus metrics on /metrics")
	flags.Int("lookup-width", 20, "peers asked first by a lookup, and CLOSER peers given in answers")
	flags.Int("fanout-limit", 0, "maximum concurrent calls of a single lookup (0 is unbounded)")
	flags.String("storage-path", "/storage/", "path prefix of content on storage peers")
	flags.Duration("shutdown-timeout", 10*time.Second, "time given to in-flight requests on shutdown")
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) (err error) {
	logger, err := newLogger(v)
	if err != nil {
		return err
	}

	raw := v.GetString("id")
	if raw == "" {
		return fmt.Errorf("--id (or %s_ID) is required", envPrefix)
	}
	id, err := findnet.ParseID(raw)
	if err != nil {
		return err
	}

	opts, err := commonOptions(v, logger)
	if err != nil {
		return err
	}
	opts = append(opts,
		findnet.WithLocalID(id),
		findnet.WithDataDir(v.GetString("data-dir")),
		findnet.WithLookupWidth(v.GetInt("lookup-width")),
		findnet.WithFanoutLimit(v.GetInt("fanout-limit")),
		findnet.WithStoragePath(v.GetString("storage-path")),
	)

	router := mux.NewRouter()
	if v.GetBool("metrics") {
		sink, err := gmprom.NewPrometheusSink()
		if err != nil {
			return fmt.Errorf("create prometheus sink: %w", err)
		}
		opts = append(opts,
			findnet.WithMetricSink(sink),
			findnet.WithMetricLabels([]metrics.Label{findnet.LabelPeerID.M(id.Short())}),
		)
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	} else {
		opts = append(opts, findnet.WithMetricSink(nil))
	}

	node, err := findnet.Create(opts...)
	if err != nil {
		return err
	}
	node.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, node.Shutdown())
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "id", id.String())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
