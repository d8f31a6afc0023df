// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
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

package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the --log-level flag
const EnvLogLevel = "CCSDSFRAME_LOG_LEVEL"

// logger is set up by the root command before any subcommand runs
var logger = zerolog.Nop()

func newLogger(w io.Writer, flagLevel string, verbose bool) (zerolog.Logger, error) {
	level, ok := parseLevel(flagLevel)
	if !ok {
		return zerolog.Nop(), fmt.Errorf("unknown log level %q", flagLevel)
	}
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	if envLevel, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		level = envLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(level).With().Timestamp().Logger(), nil
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
