//----------------------------------------------------------------------
// This file is part of wificlock.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wificlock is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wificlock is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------
package main

import (
	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// global flags
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wificlock",
	Short: "WiFi clock appliance",
	Long: `wificlock keeps a clock in sync over WiFi and offers its storage card
via FTP, a telnet console and MQTT status messages.

Every configuration option can be overridden from the environment as
WIFICLOCK_<SECTION>_<KEY>, e.g. WIFICLOCK_WIFI_SSID.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/wificlock/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
