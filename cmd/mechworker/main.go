// Command mechworker runs a single worker process: it rotates between the
// services named in its profile directory, polls for claimable requests,
// runs the agent subprocess for whichever one it claims, and delivers the
// result on-chain through the active service's Safe. Bring-up follows the
// usual sequential style (load env, load config, wire services, serve)
// generalized from one HTTP API process to a poll-loop worker that also
// happens to run a small loopback API (the signing proxy) and an optional
// dashboard read API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ridgeline-labs/mechworker/pkg/activity"
	"github.com/ridgeline-labs/mechworker/pkg/agentrunner"
	"github.com/ridgeline-labs/mechworker/pkg/capability"
	"github.com/ridgeline-labs/mechworker/pkg/chain"
	"github.com/ridgeline-labs/mechworker/pkg/config"
	"github.com/ridgeline-labs/mechworker/pkg/credentialbridge"
	"github.com/ridgeline-labs/mechworker/pkg/dashboard"
	"github.com/ridgeline-labs/mechworker/pkg/delivery"
	"github.com/ridgeline-labs/mechworker/pkg/events"
	"github.com/ridgeline-labs/mechworker/pkg/health"
	"github.com/ridgeline-labs/mechworker/pkg/intake"
	"github.com/ridgeline-labs/mechworker/pkg/ipfs"
	"github.com/ridgeline-labs/mechworker/pkg/marketplace"
	"github.com/ridgeline-labs/mechworker/pkg/registry"
	"github.com/ridgeline-labs/mechworker/pkg/rotation"
	"github.com/ridgeline-labs/mechworker/pkg/signingproxy"
	"github.com/ridgeline-labs/mechworker/pkg/version"
	"github.com/joho/godotenv"
)

// idlePollInterval is how long the poll loop sleeps after a cycle that
// found nothing claimable, so it doesn't spin hot against an empty queue.
const idlePollInterval = 5 * time.Second

func main() {
	envFile := flag.String("env-file", os.Getenv("ENV_FILE"), "optional .env file to load before reading the environment")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Warn("could not load env file, continuing with existing environment", "path", *envFile, "error", err)
		} else {
			slog.Info("loaded environment file", "path", *envFile)
		}
	}

	slog.Info("starting mechworker", "version", version.Full())

	cfg, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load environment", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mechworker exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("mechworker shut down cleanly")
}

func run(ctx context.Context, cfg *config.Env) error {
	if cfg.AgentCommand == "" {
		return fmt.Errorf("AGENT_COMMAND must name the agent subprocess binary")
	}

	reg, err := registry.Load(cfg.ServiceProfileDir, cfg.OperatePassword)
	if err != nil {
		return fmt.Errorf("load service registry: %w", err)
	}
	defer reg.Close()
	if len(reg.Services()) == 0 {
		return fmt.Errorf("no valid services found in %s", cfg.ServiceProfileDir)
	}

	client, err := chain.Dial(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}

	sinks := []events.Sink{events.NewSlogSink(slog.Default())}
	var dashboardStore *dashboard.Store
	if cfg.DashboardDSN != "" {
		dashboardStore, err = dashboard.NewStore(ctx, cfg.DashboardDSN)
		if err != nil {
			return fmt.Errorf("open dashboard store: %w", err)
		}
		defer dashboardStore.Close()
		sinks = append(sinks, dashboard.NewEventSink(dashboardStore, 5*time.Second))
	}
	emitter := events.NewEmitter(sinks...)

	if dashboardStore != nil && cfg.DashboardAPIHost != "" {
		srv := dashboard.NewServer(dashboardStore)
		httpSrv := &http.Server{Addr: cfg.DashboardAPIHost, Handler: srv.Engine()}
		go func() {
			slog.Info("dashboard API listening", "addr", cfg.DashboardAPIHost)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("dashboard API server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	monitor := activity.NewMonitor(client, cfg.CheckpointCacheTTL)
	active := &rotation.ActiveService{}
	rotator := rotation.NewRotator(reg, monitor, active, emitter, cfg.PollInterval)

	bridge := &rotatingBridgeClient{baseURL: cfg.CredentialBridgeURL, active: active}
	var checks []capability.OperatorCheck
	if cfg.GithubToken != "" {
		checks = append(checks, capability.GithubOperatorCheck(http.DefaultClient, cfg.GithubAPIURL, cfg.GithubToken))
	}
	probe := capability.NewProbe(bridge, checks)
	operatorReq := intake.NewStaticOperatorRequirer(map[string][]string{
		"github_open_pr": {"github"},
		"github_comment": {"github"},
	})

	source := &rotatingMarketplaceSource{baseURL: cfg.MarketplaceURL, active: active}
	filter := intake.CapabilityFilter{Tools: capability.DefaultToolCredentialMap}
	in := intake.New(source, filter, operatorReq, cfg.WorkerID)

	ipfsNode := ipfs.NewNode(cfg.IPFSNodeURL)
	var ipfsGateway *ipfs.Gateway
	if cfg.IPFSGatewayURL != "" {
		ipfsGateway = ipfs.NewGateway(cfg.IPFSGatewayURL)
	}

	token, err := randomToken()
	if err != nil {
		return fmt.Errorf("generate signing proxy token: %w", err)
	}
	proxy := signingproxy.New(active, client, ipfsNode, ipfsGateway, token)
	proxyAddr, err := proxy.Listen(cfg.SigningProxyHost)
	if err != nil {
		return fmt.Errorf("start signing proxy: %w", err)
	}
	go func() {
		slog.Info("signing proxy listening", "addr", proxyAddr)
		if err := proxy.Serve(); err != nil && err != http.ErrServerClosed {
			slog.Error("signing proxy server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proxy.Shutdown(shutdownCtx)
	}()

	runner := agentrunner.NewProcessRunner(cfg.AgentCommand, cfg.AgentArgs, cfg.AgentGracePeriod)
	pending := delivery.NewPendingStore()
	engine := delivery.New(client, ipfsNode, source, pending, emitter)

	return pollLoop(ctx, cfg, reg, rotator, active, probe, in, runner, engine, "http://"+proxyAddr, token)
}

func pollLoop(
	ctx context.Context,
	cfg *config.Env,
	reg *registry.Registry,
	rotator *rotation.Rotator,
	active *rotation.ActiveService,
	probe *capability.Probe,
	in *intake.Intake,
	runner agentrunner.Runner,
	engine *delivery.Engine,
	proxyURL, proxyToken string,
) error {
	decision := rotator.Initialize(ctx)
	recordRotation(cfg, decision, probe)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		svc, ok := active.Get()
		if !ok {
			if !sleepOrDone(ctx, idlePollInterval) {
				return ctx.Err()
			}
			continue
		}

		profile := probe.Probe(ctx)
		ourMechs := mechAddresses(reg.Services())

		req, lease, err := in.Poll(ctx, ourMechs, svc.MechAddress, profile)
		if err != nil {
			if !errors.Is(err, intake.ErrNoRequests) && !errors.Is(err, intake.ErrClaimLost) {
				slog.Error("intake poll failed", "error", err)
			}
			if !sleepOrDone(ctx, idlePollInterval) {
				return ctx.Err()
			}
			decision = rotator.Reevaluate(ctx)
			recordRotation(cfg, decision, probe)
			continue
		}

		slog.Info("claimed request", "request_id", req.RequestID, "worker_id", lease.WorkerID, "service_config_id", svc.ServiceConfigID)

		rc := agentrunner.RuntimeContext{
			ProxyURL:     proxyURL,
			ProxyToken:   proxyToken,
			RequestID:    req.RequestID,
			WorkstreamID: lease.WorkerID,
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if req.ResponseTimeout > 0 {
			deadline := time.Unix(req.ResponseTimeout, 0)
			runCtx, cancel = context.WithDeadline(ctx, deadline)
		} else {
			runCtx, cancel = context.WithCancel(ctx)
		}

		result, err := runner.Run(runCtx, req, rc)
		cancel()
		if err != nil {
			slog.Error("agent run failed", "request_id", req.RequestID, "error", err)
			// The poll loop does not switch mid-job: only now, with the
			// claim resolved (even in failure), is a new rotation decision
			// evaluated (spec 4.2/5's no-switch-mid-job guarantee).
			decision = rotator.Reevaluate(ctx)
			recordRotation(cfg, decision, probe)
			continue
		}

		outcome := engine.Deliver(ctx, req, result, svc)
		slog.Info("delivery outcome", "request_id", req.RequestID, "state", outcome.State, "reason", outcome.Reason, "tx_hash", outcome.TxHash.Hex())

		decision = rotator.Reevaluate(ctx)
		recordRotation(cfg, decision, probe)
	}
}

func recordRotation(cfg *config.Env, decision rotation.Decision, probe *capability.Probe) {
	if decision.Service.ServiceConfigID == "" {
		return
	}
	if decision.Changed {
		probe.Invalidate()
		if err := health.WriteStatusFile(cfg.StatusFilePath, decision.Service.ServiceConfigID); err != nil {
			slog.Warn("failed to write status file", "error", err)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func mechAddresses(services []registry.Service) []common.Address {
	out := make([]common.Address, 0, len(services))
	for _, s := range services {
		out = append(out, s.MechAddress)
	}
	return out
}

// randomToken generates the signing proxy's bearer token. A fresh UUID per
// process start is enough: the proxy only has to resist an unrelated local
// process guessing it, not withstand offline brute force.
func randomToken() (string, error) {
	return uuid.NewString(), nil
}

// rotatingBridgeClient adapts credentialbridge.Client to capability.BridgeClient,
// rebuilding the client against whichever service is currently active so
// every bridge call is signed by the correct agent key (spec 4.7's probe
// follows rotation; glue lives here per spec 4.12's RotationShim).
type rotatingBridgeClient struct {
	baseURL string
	active  *rotation.ActiveService
}

func (b *rotatingBridgeClient) Capabilities(ctx context.Context, requestID string) ([]string, error) {
	if b.baseURL == "" {
		return nil, nil
	}
	svc, ok := b.active.Get()
	if !ok {
		return nil, fmt.Errorf("credential bridge probe: no active service")
	}
	client := credentialbridge.New(b.baseURL, svc.Wallet)
	return client.Capabilities(ctx, requestID)
}

// rotatingMarketplaceSource adapts marketplace.Client to intake.Source and
// delivery.IndexerClient, rebuilding the signed client per active service
// for the same reason as rotatingBridgeClient above.
type rotatingMarketplaceSource struct {
	baseURL string
	active  *rotation.ActiveService
}

func (m *rotatingMarketplaceSource) client() (*marketplace.Client, error) {
	svc, ok := m.active.Get()
	if !ok {
		return nil, fmt.Errorf("marketplace client: no active service")
	}
	return marketplace.New(m.baseURL, svc.Wallet), nil
}

func (m *rotatingMarketplaceSource) ListUnclaimed(ctx context.Context, forMechs []common.Address) ([]intake.Request, error) {
	c, err := m.client()
	if err != nil {
		return nil, err
	}
	return c.ListUnclaimed(ctx, forMechs)
}

func (m *rotatingMarketplaceSource) Claim(ctx context.Context, req intake.Request, workerID string) (intake.LeaseToken, error) {
	c, err := m.client()
	if err != nil {
		return intake.LeaseToken{}, err
	}
	return c.Claim(ctx, req, workerID)
}

func (m *rotatingMarketplaceSource) IsDelivered(ctx context.Context, requestMech common.Address, requestID *big.Int) (bool, error) {
	c, err := m.client()
	if err != nil {
		return false, err
	}
	return c.IsDelivered(ctx, requestMech, requestID)
}
