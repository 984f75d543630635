package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/rjr-go"
	"github.com/glimte/rjr-go/contracts"
	"github.com/glimte/rjr-go/directory"
	"github.com/glimte/rjr-go/health"
	"github.com/glimte/rjr-go/internal/reliability"
	"github.com/glimte/rjr-go/messaging"
	"github.com/glimte/rjr-go/node"
	"github.com/spf13/cobra"
)

const (
	callTimeout   = 30 * time.Second
	healthTimeout = 5 * time.Second
)

func newServeCmd(f *flags) *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node serving the built-in methods",
		Long: `Run a node that listens on <id>-queue and serves ping, echo, hello and
methods until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("health-addr") {
				cfg.HealthAddr = healthAddr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, cfg.NewLogger(os.Stderr))
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Address of the HTTP health endpoint, empty disables it")
	return cmd
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger, options ...rjr.Option) error {
	dispatcher, err := builtinDispatcher(cfg, logger)
	if err != nil {
		return err
	}

	n, err := newNode(cfg, logger, append(options, rjr.WithDispatcher(dispatcher))...)
	if err != nil {
		return err
	}
	defer n.Close()

	n.AddConnectionListener(node.ConnectionListenerFunc(func(event node.ConnectionEvent, err error) {
		logger.Warn("connection event", "event", event.String(), "error", err)
	}))

	if err := n.Listen(ctx); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	dir, err := openDirectory(cfg, logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	if err := dir.Register(ctx, cfg.NodeID, directory.QueueFor(cfg.NodeID)); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	if cfg.HealthAddr != "" {
		registry := health.NewRegistry(
			health.NewDirectoryChecker(dir, cfg.NodeID),
			health.NewGoroutineChecker(5000, 20000),
		)
		if cn, ok := n.(health.ConnectedNode); ok {
			registry.Register(health.NewNodeChecker(cn, 0))
		}

		mux := http.NewServeMux()
		mux.Handle("/health", health.NewHandler(registry, healthTimeout))
		srv := &http.Server{Addr: cfg.HealthAddr, Handler: mux, ReadHeaderTimeout: healthTimeout}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health endpoint failed", "addr", cfg.HealthAddr, "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("health endpoint listening", "addr", cfg.HealthAddr)
	}

	logger.Info("serving", "queue", directory.QueueFor(cfg.NodeID), "methods", dispatcher.Methods())
	<-ctx.Done()
	logger.Info("shutting down")

	if err := dir.Deregister(context.Background(), cfg.NodeID); err != nil {
		logger.Warn("failed to deregister node", "error", err)
	}
	return nil
}

func newInvokeCmd(f *flags) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "invoke <node> <method> [args...]",
		Short: "Invoke a method on a node and print the result",
		Long: `Invoke a method on a node and print its JSON result. Each argument is
parsed as JSON and passed as a string if it is not valid JSON.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(os.Stderr)

			n, err := newNode(cfg, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			routingKey, err := route(ctx, cfg, logger, args[0], raw)
			if err != nil {
				return err
			}

			var result json.RawMessage
			err = reliability.Retry(ctx, cfg.RetryPolicy(), func(ctx context.Context) error {
				var err error
				result, err = n.Invoke(ctx, routingKey, args[1], parseArgs(args[2:])...)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Treat <node> as a routing key instead of a node id")
	return cmd
}

func newNotifyCmd(f *flags) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "notify <node> <method> [args...]",
		Short: "Send a notification and wait for the broker to accept it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(os.Stderr)

			n, err := newNode(cfg, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			routingKey, err := route(ctx, cfg, logger, args[0], raw)
			if err != nil {
				return err
			}
			return reliability.Retry(ctx, cfg.RetryPolicy(), func(ctx context.Context) error {
				return n.Notify(ctx, routingKey, args[1], parseArgs(args[2:])...)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Treat <node> as a routing key instead of a node id")
	return cmd
}

func newNode(cfg Config, logger *slog.Logger, options ...rjr.Option) (node.Node, error) {
	opts := append([]rjr.Option{
		rjr.WithLogger(logger),
		rjr.WithInvokeTimeout(cfg.InvokeTimeout),
		rjr.WithMaxHandlers(cfg.MaxHandlers),
		rjr.WithDialTimeout(cfg.DialTimeout),
	}, options...)

	n, err := rjr.NewNode(cfg.Transport, cfg.NodeID, cfg.Broker, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	return n, nil
}

func openDirectory(cfg Config, logger *slog.Logger) (directory.Directory, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return directory.NewStatic(nil), nil
	}
	dir, err := directory.DialEtcd(cfg.Etcd.Endpoints,
		directory.WithTTL(cfg.Etcd.TTL),
		directory.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// route returns the routing key for target, resolving node ids through
// the configured directory
func route(ctx context.Context, cfg Config, logger *slog.Logger, target string, raw bool) (string, error) {
	if raw {
		return target, nil
	}
	dir, err := openDirectory(cfg, logger)
	if err != nil {
		return "", err
	}
	defer dir.Close()
	return dir.Resolve(ctx, target)
}

// parseArgs decodes each argument as JSON, keeping it as a string when it
// is not valid JSON
func parseArgs(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		var v interface{}
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			out[i] = arg
			continue
		}
		out[i] = v
	}
	return out
}

func builtinDispatcher(cfg Config, logger *slog.Logger) (*messaging.Dispatcher, error) {
	middleware := []messaging.Middleware{messaging.LoggingMiddleware(logger)}
	if cfg.RateLimit.RPS > 0 {
		middleware = append(middleware, messaging.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	d := messaging.NewDispatcher(
		messaging.WithDispatcherLogger(logger),
		messaging.WithMiddleware(middleware...),
	)

	methods := map[string]messaging.HandlerFunc{
		"ping": func(ctx context.Context, req *contracts.Request) (interface{}, error) {
			return "pong", nil
		},
		"echo": func(ctx context.Context, req *contracts.Request) (interface{}, error) {
			return req.Params, nil
		},
		"hello": func(ctx context.Context, req *contracts.Request) (interface{}, error) {
			var name string
			if err := req.Arg(0, &name); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Hello %s!", name), nil
		},
		"methods": func(ctx context.Context, req *contracts.Request) (interface{}, error) {
			return d.Methods(), nil
		},
	}
	for name, fn := range methods {
		if err := d.RegisterFunc(name, fn); err != nil {
			return nil, err
		}
	}
	return d, nil
}
