// Package node launches a relayer node and manages the lifecycle of all its
// services: database, blob storage, the HTTP API, the consensus loop, the
// peer heartbeat, and metrics, gracefully closing them if the process ends.
package node

import (
	"context"
	"crypto/ecdsa"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/blocknet/relayer/blobs"
	"github.com/blocknet/relayer/bootstrap"
	"github.com/blocknet/relayer/cmd/relayer/flags"
	"github.com/blocknet/relayer/config"
	"github.com/blocknet/relayer/consensus"
	"github.com/blocknet/relayer/crypto"
	"github.com/blocknet/relayer/db"
	"github.com/blocknet/relayer/db/kv"
	"github.com/blocknet/relayer/monitoring/prometheus"
	"github.com/blocknet/relayer/network"
	"github.com/blocknet/relayer/peers"
	"github.com/blocknet/relayer/relay"
	"github.com/blocknet/relayer/runtime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

const dbDirName = "relayerdata"

// RelayerNode hosts every service of a running relayer and handles the
// lifecycle of the entire system.
type RelayerNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *config.Config
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	db       db.Database
	blobs    *blobs.Store
	client   *network.Client
	key      *ecdsa.PrivateKey
}

// New creates a node instance from the CLI context and registers every
// required service.
func New(cliCtx *cli.Context) (*RelayerNode, error) {
	cfg, err := buildConfig(cliCtx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &RelayerNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	if err := node.startDB(); err != nil {
		cancel()
		return nil, err
	}
	if err := node.startStorage(); err != nil {
		cancel()
		return nil, err
	}

	key, err := crypto.LoadOrCreateNodeKey(cfg.DataDir)
	if err != nil {
		cancel()
		return nil, err
	}
	node.key = key
	node.client = network.NewClient(node.db, cfg)
	log.WithField("address", crypto.AddressOf(key)).Info("Node identity loaded")

	if err := node.registerServices(); err != nil {
		cancel()
		return nil, err
	}
	return node, nil
}

// buildConfig layers defaults, the optional YAML file, and flag overrides.
func buildConfig(cliCtx *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cliCtx.IsSet(flags.ConfigFileFlag.Name) {
		loaded, err := config.LoadFile(cliCtx.String(flags.ConfigFileFlag.Name))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cliCtx.IsSet(flags.DataDirFlag.Name) {
		cfg.DataDir = cliCtx.String(flags.DataDirFlag.Name)
	}
	if cliCtx.IsSet(flags.HTTPAddrFlag.Name) {
		cfg.HTTPAddr = cliCtx.String(flags.HTTPAddrFlag.Name)
	}
	if cliCtx.IsSet(flags.MetricsAddrFlag.Name) {
		cfg.MetricsAddr = cliCtx.String(flags.MetricsAddrFlag.Name)
	}
	if cliCtx.IsSet(flags.NodeURLFlag.Name) {
		cfg.NodeURL = cliCtx.String(flags.NodeURLFlag.Name)
	}
	if cliCtx.IsSet(flags.BootstrapNodeFlag.Name) {
		cfg.BootstrapNode = cliCtx.String(flags.BootstrapNodeFlag.Name)
	}
	if cliCtx.IsSet(flags.PeerFlag.Name) {
		cfg.Peers = cliCtx.StringSlice(flags.PeerFlag.Name)
	}
	if cliCtx.IsSet(flags.StoragePathFlag.Name) {
		cfg.RelayerStoragePath = cliCtx.String(flags.StoragePathFlag.Name)
	}
	if cliCtx.IsSet(flags.RedundancyFlag.Name) {
		cfg.Redundancy = cliCtx.Int(flags.RedundancyFlag.Name)
	}
	if cliCtx.IsSet(flags.ProposalIntervalFlag.Name) {
		cfg.ProposalIntervalSeconds = cliCtx.Int(flags.ProposalIntervalFlag.Name)
	}
	if cliCtx.IsSet(flags.MajorityFractionFlag.Name) {
		cfg.MajorityFraction = cliCtx.Float64(flags.MajorityFractionFlag.Name)
	}
	if cliCtx.IsSet(flags.RequirePeerAuthFlag.Name) {
		cfg.RequirePeerAuth = cliCtx.Bool(flags.RequirePeerAuthFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (n *RelayerNode) startDB() error {
	dbPath := filepath.Join(n.cfg.DataDir, dbDirName)
	log.WithField("database-path", dbPath).Info("Checking DB")
	d, err := kv.NewKVStore(dbPath)
	if err != nil {
		return errors.Wrap(err, "could not open database")
	}
	if n.cliCtx.Bool(flags.ClearDBFlag.Name) {
		log.Warn("Removing database")
		if err := d.Close(); err != nil {
			return errors.Wrap(err, "could not close db prior to clearing")
		}
		if err := d.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear database")
		}
		d, err = kv.NewKVStore(dbPath)
		if err != nil {
			return errors.Wrap(err, "could not reopen database")
		}
	}
	n.db = d
	return nil
}

func (n *RelayerNode) startStorage() error {
	store, err := blobs.NewStore(n.cfg.RelayerStoragePath, n.cfg.Redundancy, n.cfg.SlotQuotaBytes)
	if err != nil {
		return errors.Wrap(err, "could not create blob storage")
	}
	n.blobs = store
	return nil
}

func (n *RelayerNode) registerServices() error {
	heartbeat := peers.NewService(n.ctx, &peers.Config{
		Database:   n.db,
		Checker:    n.client,
		Interval:   time.Duration(n.cfg.PeerHeartbeatIntervalSecs) * time.Second,
		StaleAfter: time.Duration(n.cfg.PeerStaleAfterSecs) * time.Second,
	})
	if err := n.services.RegisterService(heartbeat); err != nil {
		return err
	}

	cons := consensus.NewService(n.ctx, &consensus.Config{
		NodeConfig: n.cfg,
		Database:   n.db,
		Blobs:      n.blobs,
		Client:     n.client,
		Key:        n.key,
	})
	if err := n.services.RegisterService(cons); err != nil {
		return err
	}

	api := relay.NewService(n.ctx, &relay.Config{
		NodeConfig:  n.cfg,
		Database:    n.db,
		Blobs:       n.blobs,
		Client:      n.client,
		Consensus:   cons,
		Registry:    peers.NewRegistry(n.db, n.cfg),
		NodeAddress: crypto.AddressOf(n.key),
	})
	if err := n.services.RegisterService(api); err != nil {
		return err
	}

	if n.cfg.MetricsAddr != "" {
		metrics := prometheus.NewService(n.cfg.MetricsAddr, n.services)
		if err := n.services.RegisterService(metrics); err != nil {
			return err
		}
	}
	return nil
}

// Start kicks off every registered service and blocks until shutdown.
func (n *RelayerNode) Start() {
	n.lock.Lock()

	log.WithField("node", n.cfg.NodeURL).Info("Starting relayer node")
	n.services.StartAll()

	go func() {
		if err := bootstrap.Run(n.ctx, &bootstrap.Config{
			NodeConfig: n.cfg,
			Database:   n.db,
			Client:     n.client,
			Key:        n.key,
		}); err != nil {
			log.WithError(err).Warn("Bootstrap failed, continuing with local peer table")
		}
	}()

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the relayer node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *RelayerNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping relayer node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
	n.cancel()
	close(n.stop)
}
