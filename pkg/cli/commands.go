// Copyright (C) 2025  tcpbbr authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"

	"github.com/enfein/tcpbbr/pkg/clock"
	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/engine"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/metrics"
	"github.com/enfein/tcpbbr/pkg/netsim"
	"github.com/enfein/tcpbbr/pkg/version"
)

// metricsNamespace prefixes every exported prometheus metric.
const metricsNamespace = "tcpbbr"

// RegisterCommands registers all the simulator CLI commands.
func RegisterCommands() {
	RegisterCallback(
		[]string{"", "help"},
		func(s []string) error {
			return unexpectedArgsError(s, 2)
		},
		helpFunc,
	)
	RegisterCallback(
		[]string{"", "version"},
		func(s []string) error {
			return unexpectedArgsError(s, 2)
		},
		versionFunc,
	)
	RegisterCallback(
		[]string{"", "describe", "config"},
		func(s []string) error {
			return unexpectedArgsError(s, 3)
		},
		describeConfigFunc,
	)
	RegisterCallback(
		[]string{"", "check"},
		func(s []string) error {
			return exactArgs(s, 3, "check <SCENARIO_FILE>")
		},
		checkFunc,
	)
	RegisterCallback(
		[]string{"", "run"},
		func(s []string) error {
			return exactArgs(s, 3, "run <SCENARIO_FILE>")
		},
		runFunc,
	)
	RegisterCallback(
		[]string{"", "trace"},
		func(s []string) error {
			return exactArgs(s, 3, "trace <SCENARIO_FILE>")
		},
		traceFunc,
	)
	RegisterCallback(
		[]string{"", "serve"},
		func(s []string) error {
			return exactArgs(s, 4, "serve <SCENARIO_FILE> <LISTEN_ADDR>")
		},
		serveFunc,
	)
}

var helpFunc = func(s []string) error {
	helpFmt := helpFormatter{
		appName: binaryName,
		entries: []helpCmdEntry{
			{
				cmd:  "help",
				help: []string{"Show bbrsim help."},
			},
			{
				cmd:  "version",
				help: []string{"Show bbrsim version."},
			},
			{
				cmd: "run <SCENARIO_FILE>",
				help: []string{
					"Simulate every scenario in a YAML file and print the results as JSON.",
					"Scenarios are separated by \"---\" and run in parallel.",
				},
			},
			{
				cmd:  "check <SCENARIO_FILE>",
				help: []string{"Validate a scenario file without running it."},
			},
			{
				cmd:  "describe config",
				help: []string{"Show the default engine configuration as YAML."},
			},
		},
		advanced: []helpCmdEntry{
			{
				cmd: "trace <SCENARIO_FILE>",
				help: []string{
					"Simulate the scenarios one by one with debug logging.",
					"Every mode change, loss and timer of the engine is printed.",
				},
			},
			{
				cmd: "serve <SCENARIO_FILE> <LISTEN_ADDR>",
				help: []string{
					"Simulate the scenarios and export engine metrics to prometheus.",
					"Metrics are served at http://<LISTEN_ADDR>/metrics until interrupted.",
				},
			},
		},
	}
	helpFmt.print()
	return nil
}

var versionFunc = func(s []string) error {
	log.Infof("%s", version.AppVersion)
	return nil
}

var describeConfigFunc = func(s []string) error {
	out, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("marshal config failed: %w", err)
	}
	log.Infof("%s", out)
	return nil
}

var checkFunc = func(s []string) error {
	scenarios, err := netsim.LoadScenarios(s[2])
	if err != nil {
		return err
	}
	for _, sc := range scenarios {
		log.Infof("%s: %v over %v link with %v RTT, buffer %d bytes", sc.Name, sc.Duration, sc.Link.Bandwidth(), sc.Link.RTT, sc.Link.BufferBytes)
	}
	return nil
}

var runFunc = func(s []string) error {
	scenarios, err := netsim.LoadScenarios(s[2])
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	results, err := simulate(ctx, scenarios, 0, nil)
	if err != nil {
		return err
	}
	return printResults(results)
}

var traceFunc = func(s []string) error {
	scenarios, err := netsim.LoadScenarios(s[2])
	if err != nil {
		return err
	}
	log.SetFormatter(&log.DaemonFormatter{NoTimestamp: true})
	log.SetLevel("DEBUG")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	results, err := simulate(ctx, scenarios, 1, func(sc *netsim.Scenario) engine.Observer {
		return engine.LogObserver{Name: sc.Name}
	})
	if err != nil {
		return err
	}
	log.SetFormatter(&log.CliFormatter{})
	return printResults(results)
}

var serveFunc = func(s []string) error {
	scenarios, err := netsim.LoadScenarios(s[2])
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.EnableLogging()
	defer metrics.DisableLogging()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.Serve(ctx, s[3], metricsNamespace)
	})
	g.Go(func() error {
		results, err := simulate(ctx, scenarios, 0, func(*netsim.Scenario) engine.Observer {
			return engine.MetricsObserver{}
		})
		if err != nil {
			return err
		}
		if err := printResults(results); err != nil {
			return err
		}
		metrics.LogMetricsNow()
		log.Infof("simulation finished. Press Ctrl-C to stop serving metrics")
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// simulate runs the scenarios and logs the wall clock time spent.
func simulate(ctx context.Context, scenarios []*netsim.Scenario, parallelism int, newObserver func(*netsim.Scenario) engine.Observer) ([]*netsim.Result, error) {
	var wall clock.Clock = clock.System{}
	begin := wall.Now()
	results, err := netsim.RunParallel(ctx, scenarios, parallelism, newObserver)
	if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}
	log.Debugf("simulated %d scenarios in %v", len(results), wall.Now().Sub(begin))
	return results, nil
}

func printResults(results []*netsim.Result) error {
	opts := protojson.MarshalOptions{Multiline: true, Indent: "  "}
	for _, res := range results {
		pb, err := res.ToProto()
		if err != nil {
			return fmt.Errorf("convert result of %q failed: %w", res.Name, err)
		}
		out, err := opts.Marshal(pb)
		if err != nil {
			return fmt.Errorf("marshal result of %q failed: %w", res.Name, err)
		}
		log.Infof("%s", out)
	}
	return nil
}
