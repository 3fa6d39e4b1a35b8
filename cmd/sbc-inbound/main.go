// Copyright 2025 VoiceGrid, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/voicegrid/sbc-inbound/pkg/config"
	"github.com/voicegrid/sbc-inbound/pkg/health"
	"github.com/voicegrid/sbc-inbound/pkg/sbc"
	"github.com/voicegrid/sbc-inbound/pkg/stats"
	"github.com/voicegrid/sbc-inbound/pkg/store"
	"github.com/voicegrid/sbc-inbound/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "sbc-inbound",
		Usage:       "VoiceGrid inbound session border controller",
		Version:     version.Version,
		Description: "Bridges inbound SIP trunks to VoiceGrid feature servers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml config file",
				Sources: cli.EnvVars("SBC_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "yaml config body",
				Sources: cli.EnvVars("SBC_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	log, err := conf.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Infow("starting service", "version", version.Version)

	st := store.NewStore(conf, log)
	defer func() { _ = st.Close() }()
	if err := st.Ping(ctx); err != nil {
		return errors.Wrap(err, "redis unreachable")
	}

	mon := stats.NewMonitor(conf)
	if err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	srv, err := sbc.NewServer(conf, log, mon, st, nil, nil, nil)
	if err != nil {
		return err
	}

	hc := &healthChecker{st: st, srv: srv}
	hs := health.NewServer(conf.HTTPPort, hc, log)
	hs.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return err
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	select {
	case sig := <-stopChan:
		log.Infow("exit requested, draining calls before shutdown", "signal", sig)
		srv.Drain()
		waitForDrain(srv, killChan, log)
		srv.Stop(false)
	case sig := <-killChan:
		log.Infow("exit requested, hanging up calls and shutting down", "signal", sig)
		srv.Stop(true)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	hs.Stop(shutdownCtx)
	return nil
}

// waitForDrain blocks until every call has ended or a SIGINT escalates
// the shutdown.
func waitForDrain(srv *sbc.Server, killChan <-chan os.Signal, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if srv.ActiveCalls() == 0 {
				return
			}
		case <-killChan:
			log.Infow("second exit request, hanging up remaining calls")
			srv.Stop(true)
			return
		}
	}
}

type healthChecker struct {
	st  *store.Store
	srv *sbc.Server
}

func (h *healthChecker) Ping(ctx context.Context) error { return h.st.Ping(ctx) }
func (h *healthChecker) ActiveCalls() int               { return h.srv.ActiveCalls() }

func getConfig(c *cli.Command) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.New("no config provided, use --config or --config-body")
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}
	if err := conf.Init(); err != nil {
		return nil, err
	}
	return conf, nil
}
