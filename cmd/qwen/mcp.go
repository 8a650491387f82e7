package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/germanamz/qwen/pkg/engine"
	"github.com/germanamz/qwen/pkg/mcpserver"
	"github.com/germanamz/qwen/pkg/metrics"
)

const mcpLongDesc = `Serve the chat, embed and usage tools over MCP on stdin/stdout.

Logs go to stderr so they never mix with the protocol stream. With
--metrics-addr, Prometheus metrics are served on /metrics at that address.

Example MCP client entry:
  {"command": "qwen", "args": ["mcp", "--config", "/path/to/qwen.yaml"]}`

const metricsShutdownTimeout = 5 * time.Second

type mcpCommander struct {
	root *rootCommander

	metricsAddr string
}

func newMCPCmd(root *rootCommander) *cobra.Command {
	cmder := &mcpCommander{root: root}

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server on stdio",
		Long:  mcpLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().StringVar(&cmder.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

func (c *mcpCommander) run(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := c.root.newEngine(engine.WithMetrics(metrics.New(reg)))
	if err != nil {
		return err
	}

	if c.metricsAddr != "" {
		ln, err := net.Listen("tcp", c.metricsAddr)
		if err != nil {
			return fmt.Errorf("mcp: metrics listener: %w", err)
		}
		stop := c.serveMetrics(ln, reg)
		defer stop()
	}

	srv := mcpserver.New("qwen", version, eng, c.root.log)

	c.root.log.Info("mcp server started", "model", eng.Config().Model)
	return srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}

// serveMetrics serves reg on ln until the returned stop function is called.
func (c *mcpCommander) serveMetrics(ln net.Listener, reg *prometheus.Registry) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log := c.root.log

	go func() {
		log.Info("serving metrics", "addr", ln.Addr().String())
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}
