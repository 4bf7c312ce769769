//
//  Copyright © Manetu Inc. All rights reserved.
//

package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/flowpilot/flowpilot/cmd/flowpilotd/subcommands/manifest"
	"github.com/flowpilot/flowpilot/cmd/flowpilotd/subcommands/serve"
	"github.com/flowpilot/flowpilot/cmd/flowpilotd/version"
	"github.com/flowpilot/flowpilot/internal/logging"
	"github.com/flowpilot/flowpilot/pkg/config"
)

var logger = logging.GetLogger("flowpilot")

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("failed to load configuration: %+v", err)
	}

	cmd := &cli.Command{
		Name:    "flowpilotd",
		Usage:   "FlowPilot agent delegation and authorization platform",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Starts the FlowPilot HTTP API server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Usage: "The TCP port to serve on.",
						Value: 9000,
					},
				},
				Action: serve.Execute,
			},
			{
				Name:  "manifest",
				Usage: "Inspect and validate policy manifests",
				Commands: []*cli.Command{
					{
						Name:  "lint",
						Usage: "Validate every manifest under --dir against the manifest schema",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "dir",
								Usage: "Directory containing manifest YAML files",
								Value: config.VConfig.GetString(config.ManifestDir),
							},
						},
						Action: manifest.ExecuteLint,
					},
					{
						Name:  "list",
						Usage: "List the names of every manifest loaded from --dir",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "dir",
								Usage: "Directory containing manifest YAML files",
								Value: config.VConfig.GetString(config.ManifestDir),
							},
						},
						Action: manifest.ExecuteList,
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.SysFatalf("flowpilotd exited with error: %+v", err)
	}
}
