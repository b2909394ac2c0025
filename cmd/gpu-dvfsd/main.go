// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/intel/gpu-dvfs/pkg/backend"
	"github.com/intel/gpu-dvfs/pkg/config"
	"github.com/intel/gpu-dvfs/pkg/dvfs"
	"github.com/intel/gpu-dvfs/pkg/dvfs/devfreq"
	"github.com/intel/gpu-dvfs/pkg/instrumentation"
	logger "github.com/intel/gpu-dvfs/pkg/log"
	"github.com/intel/gpu-dvfs/pkg/metrics"
	"github.com/intel/gpu-dvfs/pkg/pidfile"
	"github.com/intel/gpu-dvfs/pkg/version"
)

var log = logger.NewLogger("gpu-dvfsd")

func main() {
	flag.Parse()
	defer logger.Flush()

	if len(flag.Args()) != 0 {
		log.Error("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
		flag.Usage()
		os.Exit(1)
	}

	if opt.configHelp {
		fmt.Println(config.Describe())
		os.Exit(0)
	}

	log.Info("gpu-dvfsd %s", version.String())

	if opt.configFile != "" {
		if err := config.SetConfigFromFile(opt.configFile); err != nil {
			log.Fatal("failed to load configuration %s: %v", opt.configFile, err)
		}
	}

	pid := pidfile.New(opt.pidFile)
	if err := pid.Acquire(); err != nil {
		log.Fatal("%v", err)
	}
	defer pid.Release()

	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	instrumentation.RegisterGatherer(metrics.NewMetricGatherer())
	if err := instrumentation.RegisterViews(devfreq.Views...); err != nil {
		log.Error("%v", err)
	}
	if err := instrumentation.Start(); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	d := newDaemon(
		backend.NewBuilder(backend.GetOptions()),
		instrumentation.GetHTTPMux(),
		metrics.DefaultCollectors(),
	)
	if err := d.Start(dvfs.GetOptions()); err != nil {
		log.Error("%v", err)
	}
	if len(d.GPUs()) == 0 {
		log.Warn("no GPUs running, waiting for configuration updates")
	}

	tagGPUs(d)

	dvfs.WatchUpdates(func(o *dvfs.Options) error {
		err := d.Reconfigure(o)
		tagGPUs(d)
		return err
	})

	run(d)

	if err := d.Stop(); err != nil {
		log.Error("%v", err)
	}
	log.Info("gpu-dvfsd stopped")
}

// tagGPUs labels exported spans with the running GPUs.
func tagGPUs(d *daemon) {
	tags := map[string]string{"gpus": strings.Join(d.GPUs(), ",")}
	if err := instrumentation.SetTraceTags(tags); err != nil {
		log.Warn("%v", err)
	}
}

// run serves signals until asked to terminate.
func run(d *daemon) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if opt.configFile == "" {
				log.Warn("no configuration file to reload")
				continue
			}
			log.Info("reloading configuration %s", opt.configFile)
			if err := config.SetConfigFromFile(opt.configFile); err != nil {
				log.Error("failed to reload configuration: %v", err)
			}
		default:
			log.Info("received %v, shutting down", sig)
			return
		}
	}
}
