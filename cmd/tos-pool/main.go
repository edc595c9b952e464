// TOS Pool - Mining pool coordinator for TOS's Proof-of-Succinct-Work chain
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tos-network/tos-pool/internal/api"
	"github.com/tos-network/tos-pool/internal/config"
	"github.com/tos-network/tos-pool/internal/connection"
	"github.com/tos-network/tos-pool/internal/coordinator"
	"github.com/tos-network/tos-pool/internal/newrelic"
	"github.com/tos-network/tos-pool/internal/notify"
	"github.com/tos-network/tos-pool/internal/policy"
	"github.com/tos-network/tos-pool/internal/profiling"
	"github.com/tos-network/tos-pool/internal/rpc"
	"github.com/tos-network/tos-pool/internal/storage"
	"github.com/tos-network/tos-pool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// accounting wraps the Redis-backed store the coordinator credits shares
// and blocks against, fanning block-found events out to the webhook
// notifier and the New Relic agent. The coordinator only knows about the
// coordinator.Accounting interface; these side effects are ambient to it.
type accounting struct {
	*storage.RedisClient
	notifier *notify.Notifier
	nr       *newrelic.Agent
}

func (a *accounting) NewBlock(height uint64, blockHash string, reward uint64) error {
	if err := a.RedisClient.NewBlock(height, blockHash, reward); err != nil {
		return err
	}

	netStats, err := a.RedisClient.GetNetworkStats()
	networkDiff := uint64(0)
	if err == nil && netStats != nil {
		networkDiff = netStats.Difficulty
	}

	block, err := a.RedisClient.GetRecentBlocks(1)
	if err == nil && len(block) > 0 {
		a.notifier.NotifyBlockFound(block[0], networkDiff)
		a.nr.RecordBlockFound(height, block[0].Finder, reward)
	}

	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TOS Pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("TOS Pool v%s starting", version)

	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamMgr := rpc.NewUpstreamManager(ctx, &cfg.Node)
	upstreamMgr.SetMinerAddress(cfg.Node.MinerAddress)
	upstreamMgr.Start()
	defer upstreamMgr.Stop()

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	nrAgent := newrelic.NewAgent(&cfg.NewRelic)
	if cfg.NewRelic.Enabled {
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	cfg.Notify.PoolName = cfg.Pool.Name
	notifier := notify.NewNotifier(&cfg.Notify)

	acct := &accounting{RedisClient: redis, notifier: notifier, nr: nrAgent}
	operator := rpc.NewOperator(upstreamMgr, cfg.Mining.BlockTemplatePoll)

	coord := coordinator.NewServer(acct, operator, coordinator.Options{
		QueueDepth:          cfg.Mining.QueueDepth,
		VardiffCoefficient:  cfg.Mining.VardiffCoefficient,
		PoolModifierDivisor: cfg.Mining.PoolModifierDivisor,
		NoncePurgePeriod:    cfg.Mining.NoncePurgeInterval,
	})
	go coord.Run(ctx)
	go operator.Run(ctx, coord)

	policyConfig := policy.DefaultConfig()
	if cfg.Security.MaxConnectionsPerIP > 0 {
		policyConfig.ConnectionLimit = int32(cfg.Security.MaxConnectionsPerIP)
	}
	if cfg.Security.BanThreshold > 0 {
		policyConfig.CheckThreshold = int32(cfg.Security.BanThreshold)
	}
	if cfg.Security.BanDuration > 0 {
		policyConfig.BanTimeout = cfg.Security.BanDuration
	}
	if cfg.Security.RateLimitShares > 0 {
		policyConfig.MaxScore = int32(cfg.Security.RateLimitShares)
	}
	policyServer := policy.NewPolicyServer(policyConfig, redis)
	policyServer.Start()

	stratum := connection.NewStratumServer(cfg, coord, policyServer)
	stratum.SetNewRelicAgent(nrAgent)
	if err := stratum.Start(); err != nil {
		util.Fatalf("Failed to start stratum server: %v", err)
	}

	var wsServer *connection.WebSocketServer
	if cfg.Connection.WebSocketEnabled {
		wsServer = connection.NewWebSocketServer(cfg, coord, policyServer)
		wsServer.SetNewRelicAgent(nrAgent)
		if err := wsServer.Start(); err != nil {
			util.Errorf("Failed to start WebSocket server: %v", err)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, redis, coord)
		apiServer.SetUpstreamStateFunc(func() []api.UpstreamStatus {
			states := upstreamMgr.GetUpstreamStates()
			result := make([]api.UpstreamStatus, len(states))
			for i, st := range states {
				result[i] = api.UpstreamStatus{
					Name:         st.Name,
					URL:          st.URL,
					Healthy:      st.Healthy,
					ResponseTime: float64(st.ResponseTime.Milliseconds()),
					Height:       st.Height,
					Weight:       st.Weight,
					FailCount:    st.FailCount,
					SuccessCount: st.SuccessCount,
				}
			}
			return result
		})
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	cancel()

	if apiServer != nil {
		apiServer.Stop()
	}
	if wsServer != nil {
		wsServer.Stop()
	}
	stratum.Stop()
	policyServer.Stop()
	if pprofServer != nil {
		pprofServer.Stop()
	}
	nrAgent.Stop()

	util.Info("Pool stopped")
}
