package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"buildcore/internal/metrics"
	"buildcore/internal/remote/server"
)

func (a *app) workerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the remote execution API from this machine",
		Long: `worker exposes the local content store, action cache and executor over
REAPI v2 (Execution, ActionCache, ContentAddressableStorage, ByteStream and
Capabilities). Prometheus metrics and a health check are served over HTTP.`,
		Args: args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("listen", "", "gRPC listen address")
	f.String("http-listen", "", "metrics and health listen address; empty disables")
	f.String("instance", "", "REAPI instance name")
	f.Bool("execute", true, "serve Execution; without it only storage is served")
	a.bind(cmd, map[string]string{
		"worker.listen":      "listen",
		"worker.http_listen": "http-listen",
		"worker.instance":    "instance",
		"worker.execute":     "execute",
	}, false)
	return cmd
}

func (a *app) runWorker(ctx context.Context) error {
	c, err := a.config()
	if err != nil {
		return err
	}
	// A worker runs what it receives; it never forwards to another cluster.
	c.Remote.Target = ""
	c.Remote.Execute = false
	logger := a.logger(c)

	e, err := a.open(ctx, c)
	if err != nil {
		return err
	}
	defer e.Close()

	srv, err := server.New(e.Store(), e.Runner(), e.ActionCache(), server.Options{
		Instance:      c.Worker.Instance,
		MaxBatchBytes: c.Remote.MaxBatchBytes,
		CacheFailures: c.Cache.CacheFailures,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	g := server.NewGRPCServer()
	if c.Worker.Execute {
		srv.Register(g)
	} else {
		srv.RegisterStorage(g)
	}
	grpc_prometheus.Register(g)

	lis, err := net.Listen("tcp", c.Worker.Listen)
	if err != nil {
		return err
	}
	var web *http.Server
	if c.Worker.HTTPListen != "" {
		web = &http.Server{
			Addr:              c.Worker.HTTPListen,
			Handler:           metrics.Router(e.Metrics().Gatherer(), e.Health),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("worker listening", "addr", lis.Addr().String(), "instance", c.Worker.Instance, "execute", c.Worker.Execute)
		return g.Serve(lis)
	})
	if web != nil {
		eg.Go(func() error {
			logger.Info("metrics listening", "addr", web.Addr)
			if err := web.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("worker shutting down")
		g.GracefulStop()
		if web == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return web.Shutdown(sctx)
	})
	return eg.Wait()
}
