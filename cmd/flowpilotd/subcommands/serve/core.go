//
//  Copyright © Manetu Inc. All rights reserved.
//

package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/flowpilot/flowpilot/cmd/flowpilotd/common"
	"github.com/flowpilot/flowpilot/internal/httpapi"
	"github.com/flowpilot/flowpilot/internal/logging"
	"github.com/flowpilot/flowpilot/pkg/config"
)

var logger = logging.GetLogger("flowpilot")

const agent string = "serve"

// Execute runs the serve command: wires every service, starts the HTTP
// server, and blocks until an interrupt signal triggers a graceful
// shutdown.
func Execute(ctx context.Context, cmd *cli.Command) error {
	app, err := common.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.SysWarnf("error closing stores: %+v", err)
		}
	}()

	port := cmd.Int("port")
	e := httpapi.New(httpapi.Deps{
		Manifests:      app.Manifests,
		Personas:       app.Personas,
		Delegation:     app.Delegation,
		Engine:         app.Engine,
		Runner:         app.Runner,
		Verifier:       app.Verifier,
		Exchanger:      app.Exchanger,
		CORSOrigins:    []string{config.VConfig.GetString(config.CORSOrigins)},
		MaxBodyBytes:   config.VConfig.GetInt64(config.RequestMaxBodyBytes),
		RequestTimeout: config.VConfig.GetDuration(config.RequestTimeout),
	})

	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.Info(agent, "start", fmt.Sprintf("listening on %s", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.SysFatalf("server failed: %+v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	logger.Info(agent, "shutdown", "shutting down server...")

	if err := e.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info(agent, "shutdown", "server exited gracefully.")
	return nil
}
