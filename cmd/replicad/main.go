// Command replicad runs the journal replication server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"go.gazette.dev/replicad/agent"
	"go.gazette.dev/replicad/cluster"
	"go.gazette.dev/replicad/config"
	"go.gazette.dev/replicad/discovery"
	"go.gazette.dev/replicad/server"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "replicad",
	Short:   "replicad replicates journal commits to connected replica clients",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("replicad %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	serveCmd.Flags().String("config", "replicad.yaml", "path to the server configuration file")
	serveCmd.Flags().String("admin-http-addr", "", "address to serve /metrics and /halt on")
	serveCmd.Flags().String("admin-grpc-addr", "", "address to serve the gRPC health check on")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replication server until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		if parsed, err := log.ParseLevel(lvl); err == nil {
			log.SetLevel(parsed)
		}
	}

	var configPath, _ = cmd.Flags().GetString("config")
	var cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	var node, ok = cfg.Node()
	if !ok {
		return fmt.Errorf("replicad: instance %d has no corresponding entry in configured nodes", cfg.Instance)
	}

	var opts = server.Options{
		ListenAddr:         net.JoinHostPort(node.Hostname, fmt.Sprint(node.Port)),
		HeartbeatFrequency: cfg.HeartbeatFrequency.Duration(),
		SoRcvBuf:           cfg.SoRcvBuf,
		InstanceID:         node.ID,
		NewAgent:           newAgentFactory(),
	}
	if cfg.SSL.Secure {
		var tlsConfig, terr = loadTLSConfig(cfg.SSL)
		if terr != nil {
			return terr
		}
		opts.TLS = tlsConfig
	}
	if cfg.MulticastEnabled {
		opts.Discovery = &server.DiscoveryOptions{
			Config: discovery.Config{
				Address: cfg.MulticastAddress,
				Port:    cfg.MulticastPort,
				IfName:  cfg.IfName,
			},
			RequestCode: 230,
			ReplyCode:   235,
		}
	}

	var srv = server.New(opts)

	var etcdClient *clientv3.Client
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdClient, err = clientv3.New(clientv3.Config{Endpoints: cfg.Etcd.Endpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return fmt.Errorf("replicad: connecting to etcd: %w", err)
		}
		defer etcdClient.Close()
		srv.SetVoteWatcher(cluster.NewVoteWatcher(etcdClient, cfg.Etcd.VoteKey, node.ID, srv))
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("replicad: starting server: %w", err)
	}
	log.WithField("listenAddr", opts.ListenAddr).Info("replicad: serving")

	var httpAddr, _ = cmd.Flags().GetString("admin-http-addr")
	var grpcAddr, _ = cmd.Flags().GetString("admin-grpc-addr")
	var admin *server.AdminService
	if httpAddr != "" || grpcAddr != "" {
		admin = server.NewAdminService(srv)
		if aerr := admin.Start(grpcAddr, httpAddr); aerr != nil {
			log.WithError(aerr).Warn("replicad: admin surface failed to start")
		}
	}

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("replicad: shutting down")

	srv.Halt(30 * time.Second)
	if admin != nil {
		admin.Stop(context.Background())
	}
	return nil
}

// newAgentFactory returns a default AgentFactory that simply hangs up
// on every connection. Real deployments replace this with a closure
// over their own registry/bridge instances (see server_test.go's
// fakes, or agent.NewDeltaAgent for the reference in-process Agent)
// before passing server.Options to server.New.
func newAgentFactory() func(remote net.Addr) agent.Agent {
	return func(net.Addr) agent.Agent { return hangupAgent{} }
}

type hangupAgent struct{}

func (hangupAgent) Process(context.Context, net.Conn) error { return agent.ErrDisconnected }
func (hangupAgent) Close() error                            { return nil }
