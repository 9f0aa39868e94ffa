// Package main defines the relayer node command line entrypoint.
package main

import (
	"os"

	"github.com/blocknet/relayer/cmd/relayer/flags"
	"github.com/blocknet/relayer/node"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.ConfigFileFlag,
	flags.DataDirFlag,
	flags.ClearDBFlag,
	flags.HTTPAddrFlag,
	flags.MetricsAddrFlag,
	flags.NodeURLFlag,
	flags.BootstrapNodeFlag,
	flags.PeerFlag,
	flags.StoragePathFlag,
	flags.RedundancyFlag,
	flags.ProposalIntervalFlag,
	flags.MajorityFractionFlag,
	flags.RequirePeerAuthFlag,
	flags.VerbosityFlag,
}

func startNode(ctx *cli.Context) error {
	relayer, err := node.New(ctx)
	if err != nil {
		return err
	}
	relayer.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "relayer"
	app.Usage = "federated relayer node for end-to-end encrypted messaging"
	app.CustomAppHelpTemplate = usageTemplate
	app.Flags = appFlags
	app.Action = startNode

	app.Before = func(ctx *cli.Context) error {
		// .env supplies BOOTSTRAP_NODE and friends in deployments.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Could not load .env file")
		}
		level, err := logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
