package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// flags holds the global command line flags; set flags override the
// configuration file
type flags struct {
	configPath    string
	nodeID        string
	broker        string
	transport     string
	invokeTimeout time.Duration
	logLevel      string
	logFormat     string
	etcd          []string
	retries       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "rjr-amqp",
		Short: "Serve and call JSON-RPC nodes over RabbitMQ",
		Long: `rjr-amqp runs a JSON-RPC node on a RabbitMQ broker, or calls methods
on other nodes from the command line.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML configuration file")
	pf.StringVar(&f.nodeID, "id", "", "Node id; the node listens on <id>-queue")
	pf.StringVarP(&f.broker, "broker", "b", "", "Broker host, host:port or amqp:// URL")
	pf.StringVar(&f.transport, "transport", "", "Transport name")
	pf.DurationVar(&f.invokeTimeout, "invoke-timeout", 0, "Bound on every invoke, 0 waits for the context")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
	pf.StringSliceVar(&f.etcd, "etcd", nil, "etcd endpoints of the node directory")
	pf.IntVar(&f.retries, "retries", 0, "Retries of invoke and notify after a broker failure; an invoke the broker already accepted is not retried")

	rootCmd.AddCommand(
		newServeCmd(f),
		newInvokeCmd(f),
		newNotifyCmd(f),
	)
	return rootCmd
}

// load reads the configuration file and applies the flags the user set
func (f *flags) load(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("id") {
		cfg.NodeID = f.nodeID
	}
	if changed("broker") {
		cfg.Broker = f.broker
	}
	if changed("transport") {
		cfg.Transport = f.transport
	}
	if changed("invoke-timeout") {
		cfg.InvokeTimeout = f.invokeTimeout
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("etcd") {
		cfg.Etcd.Endpoints = f.etcd
	}
	if changed("retries") {
		cfg.Retry.Attempts = f.retries
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
