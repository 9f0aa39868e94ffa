// Package flags defines the command line flags of the relayer node.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// ConfigFileFlag points at an optional YAML configuration file.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a YAML configuration file",
	}
	// DataDirFlag is the directory holding the database and node key.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the database and node key",
	}
	// ClearDBFlag wipes the database before starting.
	ClearDBFlag = &cli.BoolFlag{
		Name:  "clear-db",
		Usage: "Clears any previously stored data at the data directory",
	}
	// HTTPAddrFlag is the host:port the API and WebSocket server binds.
	HTTPAddrFlag = &cli.StringFlag{
		Name:  "http-addr",
		Usage: "host:port the HTTP API and WebSocket server listens on",
	}
	// MetricsAddrFlag is the host:port the prometheus listener binds.
	MetricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "host:port the metrics server listens on, empty disables it",
	}
	// NodeURLFlag is this node's canonical origin advertised to peers.
	NodeURLFlag = &cli.StringFlag{
		Name:  "node-url",
		Usage: "Canonical origin of this node, advertised to peers",
	}
	// BootstrapNodeFlag is the seed node contacted at startup.
	BootstrapNodeFlag = &cli.StringFlag{
		Name:  "bootstrap-node",
		Usage: "Seed relayer contacted at startup, BOOTSTRAP_NODE overrides",
	}
	// PeerFlag adds a static seed peer; may be repeated.
	PeerFlag = &cli.StringSliceFlag{
		Name:  "peer",
		Usage: "Static seed peer origin, may be used multiple times",
	}
	// StoragePathFlag is the base directory for blob slots.
	StoragePathFlag = &cli.StringFlag{
		Name:  "storage-path",
		Usage: "Base directory for the redundant blob slot directories",
	}
	// RedundancyFlag sets local slot count and replication fan-out.
	RedundancyFlag = &cli.IntFlag{
		Name:  "redundancy",
		Usage: "Number of local blob slots and the peer replication fan-out",
	}
	// ProposalIntervalFlag sets the proposer period in seconds.
	ProposalIntervalFlag = &cli.IntFlag{
		Name:  "proposal-interval",
		Usage: "Seconds between block proposal rounds",
	}
	// MajorityFractionFlag sets the vote fraction needed to commit.
	MajorityFractionFlag = &cli.Float64Flag{
		Name:  "majority-fraction",
		Usage: "Fraction of configured peers whose yes-votes commit a block",
	}
	// RequirePeerAuthFlag demands signed peer registrations.
	RequirePeerAuthFlag = &cli.BoolFlag{
		Name:  "require-peer-auth",
		Usage: "Require signed peer registration requests",
	}
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
)
