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

package config

import (
	"fmt"
	"os"
)

// pkg/log is configured through this package, so it cannot be imported
// here. Instead pkg/log injects its logging functions using SetLogger.

// Logger is our set of logging functions.
type Logger struct {
	DebugEnabled func() bool
	Debugf       func(string, ...interface{})
	Infof        func(string, ...interface{})
	Warningf     func(string, ...interface{})
	Errorf       func(string, ...interface{})
	Fatalf       func(string, ...interface{})
	Panicf       func(string, ...interface{})
}

var log = Logger{
	DebugEnabled: func() bool { return false },
	Debugf:       printer("D: "),
	Infof:        printer("I: "),
	Warningf:     printer("W: "),
	Errorf:       printer("E: "),
	Fatalf: func(format string, args ...interface{}) {
		printer("E: fatal error: ")(format, args...)
		os.Exit(1)
	},
	Panicf: func(format string, args ...interface{}) {
		printer("E: ")(format, args...)
		panic(fmt.Sprintf(format, args...))
	},
}

// SetLogger overrides the non-nil logging functions of our logger.
func SetLogger(logger Logger) {
	if logger.DebugEnabled != nil {
		log.DebugEnabled = logger.DebugEnabled
	}
	if logger.Debugf != nil {
		log.Debugf = logger.Debugf
	}
	if logger.Infof != nil {
		log.Infof = logger.Infof
	}
	if logger.Warningf != nil {
		log.Warningf = logger.Warningf
	}
	if logger.Errorf != nil {
		log.Errorf = logger.Errorf
	}
	if logger.Fatalf != nil {
		log.Fatalf = logger.Fatalf
	}
	if logger.Panicf != nil {
		log.Panicf = logger.Panicf
	}
}

func printer(tag string) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, tag+"[config] "+format+"\n", args...)
	}
}
