package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"certmesh/pkg/auth"
	"certmesh/pkg/authority"
	"certmesh/pkg/cert"
	"certmesh/pkg/config"
	"certmesh/pkg/discovery"
	"certmesh/pkg/keys"
	"certmesh/pkg/metrics"
	"certmesh/pkg/overlay"
	"certmesh/pkg/renewal"
	"certmesh/pkg/repository"
	"certmesh/pkg/service"
	"certmesh/pkg/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func nodeCmd() *cobra.Command {
	var (
		listen        string
		runAuthority  bool
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run an overlay node",
		Long: `Start an overlay node that keeps a certificate repository, answers
certificate queries, obtains certificates for its services and, when
enabled, acts as the certificate authority.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Node.ListenAddress = listen
			}
			if cmd.Flags().Changed("authority") {
				cfg.Authority.Enabled = runAuthority
			}
			if metricsListen != "" {
				cfg.Metrics.Address = metricsListen
			}

			logger := setupLogger(verbose, cfg.Log.Level)
			defer logger.Sync()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := startRuntime(ctx, cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			defer rt.Stop()

			// Handle shutdown gracefully
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
			defer signal.Stop(sigChan)

			for sig := range sigChan {
				if sig == syscall.SIGUSR1 {
					rt.flipToggle()
					continue
				}
				logger.Info("Shutting down node", zap.Stringer("signal", sig))
				return nil
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "overlay listening address")
	cmd.Flags().BoolVar(&runAuthority, "authority", false, "act as certificate authority")
	cmd.Flags().StringVar(&metricsListen, "metrics", "", "metrics and health listening address")

	return cmd
}

// runtime is everything a running node owns.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	node      *overlay.Node
	repo      *repository.Repository
	publisher *discovery.Publisher
	authority *authority.Server
	toggle    *authority.Toggle
	permit    bool
	scheduler *renewal.Scheduler
	services  []*service.Service
	hosted    []types.ServiceID
	metrics   *metricsServer
}

type metricsServer struct {
	stop func()
}

func startRuntime(ctx context.Context, cfg *config.Config, registry *prometheus.Registry, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Stop()
		}
	}()

	id, created, err := keys.LoadOrCreateIdentity(cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("Generated node identity", zap.String("path", cfg.KeyPath()))
	}

	m := metrics.NewCertificateMetrics(registry)
	trust := cert.NewTrust(keys.Verifier{},
		cert.WithLogger(logger),
		cert.WithMetrics(m),
		cert.WithValidityCache(cert.NewValidityCache(cfg.Certificates.ValidityCacheTTL)))

	rt.repo, err = openRepository(ctx, cfg, trust, logger, repository.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	info := types.NodeInfo{Node: id.NodeID(), Address: cfg.Advertise(), FriendlyName: cfg.Node.Name}
	rt.node = overlay.NewNode(info, id.Keys, transport, logger, overlay.WithQueryHops(cfg.Discovery.QueryHops))
	if err := rt.node.Start(); err != nil {
		return nil, err
	}

	rt.publisher = discovery.NewPublisher(rt.node, rt.repo, logger)

	if cfg.Authority.Enabled {
		policy, toggle, err := buildPolicy(cfg)
		if err != nil {
			return nil, err
		}
		rt.toggle = toggle
		rt.permit = true
		rt.authority, err = authority.New(rt.node, rt.repo, authority.PolicyHandler{Policy: policy},
			authority.WithLogger(logger),
			authority.WithMetrics(m))
		if err != nil {
			return nil, err
		}
	}

	serviceIDs, err := cfg.ServiceIDs()
	if err != nil {
		return nil, err
	}
	issuer := discovery.NewIssuer(rt.node, trust, rt.repo, cfg.Discovery.RequestTimeout, logger)
	rt.scheduler = renewal.NewScheduler(logger)
	for _, sid := range serviceIDs {
		svc := service.New(rt.node, rt.repo, issuer, rt.scheduler, sid,
			service.WithLogger(logger),
			service.WithRequestOptions(repository.RequestOptions{
				Timeout:           cfg.Discovery.RequestTimeout,
				SelfIssueValidity: cfg.Certificates.SelfIssueValidity,
				DisableSelfIssue:  cfg.Certificates.DisableSelfIssue,
			}))
		if err := svc.Start(ctx); err != nil {
			logger.Warn("Service has no certificate yet", zap.Stringer("service", sid), zap.Error(err))
		}
		rt.services = append(rt.services, svc)
		rt.hosted = append(rt.hosted, sid)
	}

	if cfg.Metrics.Address != "" {
		mctx, mcancel := context.WithCancel(ctx)
		endpoint := metrics.NewHealthEndpoint(registry, rt.ready, logger)
		metrics.StartMetricsServer(mctx, cfg.Metrics.Address, endpoint, logger)
		rt.metrics = &metricsServer{stop: mcancel}
	}

	logger.Info("Node running",
		zap.Stringer("node", info.Node),
		zap.String("address", cfg.Node.ListenAddress),
		zap.Bool("authority", rt.authority != nil),
		zap.Int("services", len(rt.services)))

	ok = true
	return rt, nil
}

// newTransport builds the gRPC transport, secured with mutual TLS when
// configured, and registers the configured peers.
func newTransport(cfg *config.Config, logger *zap.Logger) (overlay.Transport, error) {
	maxBytes, err := cfg.MaxMessageBytes()
	if err != nil {
		return nil, err
	}

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(maxBytes)),
		grpc.MaxSendMsgSize(int(maxBytes)),
	}
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(int(maxBytes)),
			grpc.MaxCallSendMsgSize(int(maxBytes))),
	}

	var transportOpts []overlay.GRPCOption
	if tlsCfg := cfg.TLSConfig(); tlsCfg.Enabled {
		serverSec, dialSec, err := transportSecurity(tlsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up transport TLS: %w", err)
		}
		serverOpts = append(serverOpts, serverSec...)
		dialOpts = append(dialOpts, dialSec...)
		transportOpts = append(transportOpts, overlay.WithPeerIdentity(auth.NodeIDFromContext))
	} else {
		logger.Warn("Overlay transport is not encrypted")
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	transportOpts = append(transportOpts,
		overlay.WithServerOptions(serverOpts...),
		overlay.WithDialOptions(dialOpts...))
	transport := overlay.NewGRPCTransport(cfg.Node.ListenAddress, logger, transportOpts...)

	for _, p := range cfg.Node.Peers {
		peerID, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %w", p.ID, err)
		}
		transport.AddPeer(peerID, p.Address)
	}
	return overlay.NewRetryTransport(transport, overlay.DefaultRetryPolicy, logger), nil
}

// buildPolicy returns the authority policy named by cfg. The toggle is only
// set for the toggle policy.
func buildPolicy(cfg *config.Config) (authority.Policy, *authority.Toggle, error) {
	a := cfg.Authority
	switch a.Policy {
	case config.PolicyAllow, "":
		return authority.AllowAll(a.GrantDuration), nil, nil
	case config.PolicyDeny:
		return authority.DenyAll(a.DenyURL), nil, nil
	case config.PolicyAllowList:
		allowed, err := cfg.AllowedServiceIDs()
		if err != nil {
			return nil, nil, err
		}
		return authority.ServiceAllowList(allowed, a.GrantDuration, a.DenyURL), nil, nil
	case config.PolicyToggle:
		toggle := authority.NewToggle(a.DenyURL, true)
		return toggle, toggle, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown authority policy %q", config.ErrInvalidConfig, a.Policy)
	}
}

func (rt *runtime) flipToggle() {
	if rt.toggle == nil {
		rt.logger.Warn("Authority policy is not a toggle")
		return
	}
	rt.permit = !rt.permit
	rt.toggle.SetPermit(rt.permit)
	rt.logger.Info("Authority toggle flipped", zap.Bool("permit", rt.permit))
}

// ready reports whether every hosted service holds a valid certificate.
func (rt *runtime) ready() (bool, string) {
	for i, svc := range rt.services {
		c := svc.Certificate()
		if c == nil || !c.Valid() {
			return false, fmt.Sprintf("service %s has no valid certificate", rt.hosted[i])
		}
	}
	return true, ""
}

// Stop shuts components down in reverse start order.
func (rt *runtime) Stop() {
	if rt.metrics != nil {
		rt.metrics.stop()
	}
	for _, svc := range rt.services {
		svc.Stop()
	}
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}
	if rt.authority != nil {
		rt.authority.Close()
	}
	if rt.publisher != nil {
		rt.publisher.Close()
	}
	if rt.node != nil {
		if err := rt.node.Stop(); err != nil {
			rt.logger.Warn("Failed to stop overlay node", zap.Error(err))
		}
	}
	if rt.repo != nil {
		if err := rt.repo.Close(); err != nil {
			rt.logger.Warn("Failed to close repository", zap.Error(err))
		}
	}
}
