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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Costigan/ccsdsframe/ccsds"
	"github.com/spf13/cobra"
)

// frameCmd represents the frame command
var frameCmd = &cobra.Command{
	Use:   "frame [files...]",
	Short: "Find the packets in files and write their primary headers as CSV",
	Long: `Frame reads each file as a byte stream, extracts the CCSDS packets it contains
and writes one CSV row per packet with the decoded primary header fields.

Bytes that can't be part of a packet are skipped and counted. A summary of packets
and skipped bytes is logged when all files have been read.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return errors.New("requires at least one arg")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFrame(cmd, args)
	},
}

var csvPath string
var recursive bool
var filepat string

func init() {
	rootCmd.AddCommand(frameCmd)

	addFramingFlags(frameCmd, &framing)
	frameCmd.Flags().StringVarP(&csvPath, "out", "o", "", "csv file to write, standard output if empty")
	frameCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "search inside directories for packet files")
	frameCmd.Flags().StringVar(&filepat, "pattern", "", "only read files in directories whose names match a glob, e.g. *.pkt")
}

func runFrame(cmd *cobra.Command, args []string) error {
	config, err := buildConfig(cmd, &framing)
	if err != nil {
		return err
	}
	files, err := expandFiles(args, recursive, filepat)
	if err != nil {
		return err
	}
	logger.Debug().Strs("files", files).Str("out", csvPath).Bool("recursive", recursive).Str("pattern", filepat).Msg("frame")

	var out io.Writer = cmd.OutOrStdout()
	if csvPath != "" {
		if err := os.MkdirAll(filepath.Dir(csvPath), 0o770); err != nil {
			return fmt.Errorf("creating the output directory for %s: %w", csvPath, err)
		}
		f, err := os.Create(csvPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	startTime := time.Now()
	stats, err := frameFiles(config, files, out)
	if err != nil {
		return err
	}

	elapsed := time.Since(startTime)
	logger.Info().
		Int("files", stats.Files).
		Int("packets", stats.Packets).
		Uint64("skipped", stats.Skipped).
		Int("partial", stats.Partial).
		Dur("elapsed", elapsed).
		Msg("framing finished")
	return nil
}

// frameStats totals the work done by frameFiles
type frameStats struct {
	Files   int
	Packets int
	Skipped uint64 // bytes discarded while resynchronizing
	Partial int    // bytes left over at the end of files
}

var csvHeader = []string{"file", "index", "version", "type", "secondary_header", "apid", "sequence_flag", "sequence_count", "length"}

// frameFiles writes a CSV row for every packet found in files
func frameFiles(config ccsds.Config, files []string, out io.Writer) (frameStats, error) {
	var stats frameStats
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return stats, err
	}

	for _, fname := range files {
		if err := frameFile(config, fname, w, &stats); err != nil {
			return stats, err
		}
		stats.Files++
	}

	w.Flush()
	return stats, w.Error()
}

func frameFile(config ccsds.Config, fname string, w *csv.Writer, stats *frameStats) error {
	file, err := os.Open(fname)
	if err != nil {
		return err
	}
	defer file.Close()

	framer, err := ccsds.NewFramer(config)
	if err != nil {
		return err
	}
	framer.SetLogger(logger.With().Str("file", fname).Logger())
	reader := ccsds.NewPacketReader(file, framer)
	offset := config.PacketOffset()
	order := config.ByteOrder()

	for index := 0; ; index++ {
		packet, err := reader.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, ccsds.ErrPartialPacket) {
			logger.Warn().Str("file", fname).Err(err).Msg("file ends inside a packet")
			stats.Partial += framer.Buffered()
			break
		}
		if err != nil {
			return fmt.Errorf("%w: filename=%s", err, fname)
		}

		h, err := ccsds.DecodeHeader(packet[offset:], order)
		if err != nil {
			return err
		}
		row := []string{
			fname,
			strconv.Itoa(index),
			strconv.Itoa(int(h.Version())),
			h.PacketType().String(),
			h.SecondaryHeaderFlag().String(),
			strconv.Itoa(int(h.APID())),
			h.SequenceFlag().String(),
			strconv.Itoa(int(h.SequenceCount())),
			strconv.FormatUint(uint64(h.PacketLength()), 10),
		}
		if err := w.Write(row); err != nil {
			return err
		}
		stats.Packets++
	}
	stats.Skipped += framer.Skipped()
	return nil
}
