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
	"context"
	"errors"

	"github.com/Costigan/ccsdsframe/server"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [files...]",
	Short: "Frame a live stream and serve packets to websocket clients",
	Long: `Serve accepts stream bytes on the ingest websocket, frames them into packets and
sends each packet to the realtime clients subscribed to its apid.

Files named on the command line are replayed into the framer as well, optionally
throttled with --bps. The server runs until interrupted or until /shutdown is requested.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var host string
var port int
var bitsPerSecond int

func init() {
	rootCmd.AddCommand(serveCmd)

	addFramingFlags(serveCmd, &framing)
	serveCmd.Flags().StringVar(&host, "host", "", "interface to listen on")
	serveCmd.Flags().IntVarP(&port, "port", "p", 8000, "port to listen on")
	serveCmd.Flags().IntVar(&bitsPerSecond, "bps", 0, "Limit playback to bits per second")
	serveCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "search inside directories for packet files")
	serveCmd.Flags().StringVar(&filepat, "pattern", "", "only replay files in directories whose names match a glob")
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := buildConfig(cmd, &framing)
	if err != nil {
		return err
	}
	files, err := expandFiles(args, recursive, filepat)
	if err != nil {
		return err
	}

	serv := &server.Server{Host: host, Port: port, Config: config, Logger: logger}
	if err := serv.Init(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Replay files while the server runs
	if len(files) > 0 {
		go func() {
			n, err := replayFiles(ctx, files, bitsPerSecond, func(b []byte) error {
				_, err := serv.Feed(b)
				return err
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("replay failed")
				return
			}
			logger.Info().Int64("bytes", n).Int("files", len(files)).Msg("replay finished")
		}()
	}

	return serv.Run()
}
