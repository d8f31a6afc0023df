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

	"github.com/Costigan/ccsdsframe/ccsds"
	"github.com/spf13/cobra"
)

// framingFlags are shared by every command that frames packets
type framingFlags struct {
	configFile string

	apids           []uint
	maxLength       uint32
	minLength       uint32
	secondaryHeader bool
	sync            string
	keepSync        bool
	headerBytes     uint32
	keepHeader      bool
	footerBytes     uint32
	keepFooter      bool
	littleEndian    bool
}

var framing framingFlags

func addFramingFlags(cmd *cobra.Command, ff *framingFlags) {
	flags := cmd.Flags()
	flags.StringVarP(&ff.configFile, "config", "c", "", "TOML framer configuration; flags override its values")
	flags.UintSliceVar(&ff.apids, "apid", nil, "accept only these apids (repeat or comma separate)")
	flags.Uint32Var(&ff.maxLength, "max-length", 0, "largest acceptable total packet length, 0 for no limit")
	flags.Uint32Var(&ff.minLength, "min-length", 0, "smallest acceptable total packet length, 0 for no limit")
	flags.BoolVar(&ff.secondaryHeader, "secondary-header", false, "require the secondary header flag")
	flags.StringVar(&ff.sync, "sync", "", "hex sync marker before each packet, e.g. 1ACFFC1D")
	flags.BoolVar(&ff.keepSync, "keep-sync", false, "include the sync marker in framed packets")
	flags.Uint32Var(&ff.headerBytes, "header-bytes", 0, "fixed prefix bytes between the sync marker and the packet")
	flags.BoolVar(&ff.keepHeader, "keep-header", false, "include the prefix in framed packets")
	flags.Uint32Var(&ff.footerBytes, "footer-bytes", 0, "fixed footer bytes after each packet")
	flags.BoolVar(&ff.keepFooter, "keep-footer", false, "include the footer in framed packets")
	flags.BoolVar(&ff.littleEndian, "little-endian", false, "primary header words are little endian")
}

// buildConfig loads --config if given, then applies every framing flag set on the command line
func buildConfig(cmd *cobra.Command, ff *framingFlags) (ccsds.Config, error) {
	cfg := ccsds.DefaultConfig()
	if ff.configFile != "" {
		loaded, err := ccsds.LoadConfig(ff.configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("apid") {
		cfg.AllowedAPIDs = make([]uint16, 0, len(ff.apids))
		for _, apid := range ff.apids {
			if apid > uint(ccsds.MaxAPID) {
				return cfg, fmt.Errorf("%w: apid %d exceeds %d", ccsds.ErrInvalidConfig, apid, ccsds.MaxAPID)
			}
			cfg.AllowedAPIDs = append(cfg.AllowedAPIDs, uint16(apid))
		}
	}
	if changed("max-length") {
		cfg.MaxPacketLength = ff.maxLength
	}
	if changed("min-length") {
		cfg.MinPacketLength = ff.minLength
	}
	if changed("secondary-header") {
		cfg.SecondaryHeaderRequired = ff.secondaryHeader
	}
	if changed("sync") {
		sync, err := ccsds.ParseSync(ff.sync)
		if err != nil {
			return cfg, err
		}
		cfg.SyncBytes = sync
	}
	if changed("keep-sync") {
		cfg.KeepSync = ff.keepSync
	}
	if changed("header-bytes") {
		cfg.NumHeaderBytes = ff.headerBytes
	}
	if changed("keep-header") {
		cfg.KeepHeader = ff.keepHeader
	}
	if changed("footer-bytes") {
		cfg.NumFooterBytes = ff.footerBytes
	}
	if changed("keep-footer") {
		cfg.KeepFooter = ff.keepFooter
	}
	if changed("little-endian") {
		cfg.LittleEndianHeader = ff.littleEndian
	}
	return cfg, cfg.Validate()
}
