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

	"github.com/intel/gpu-dvfs/pkg/pidfile"
)

const (
	// Option to specify a file to read configuration from.
	optConfigFile = "config"
	// Option to specify the PID file.
	optPidFile = "pid-file"
	// Option to print the configuration help and exit.
	optConfigHelp = "config-help"
)

// options captures our command line options.
type options struct {
	configFile string // file to parse for configuration
	pidFile    string // PID file guarding against multiple instances
	configHelp bool   // print configuration help
}

// Our command line options.
var opt = options{}

func init() {
	flag.StringVar(&opt.configFile, optConfigFile, "",
		"file to read configuration from, reread on SIGHUP")
	flag.StringVar(&opt.pidFile, optPidFile, pidfile.DefaultPath(),
		"PID file to use")
	flag.BoolVar(&opt.configHelp, optConfigHelp, false,
		"print help on the configuration file and exit")
}
