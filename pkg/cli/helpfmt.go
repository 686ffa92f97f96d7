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

import "github.com/enfein/tcpbbr/pkg/log"

type helpFormatter struct {
	appName  string
	entries  []helpCmdEntry
	advanced []helpCmdEntry
}

type helpCmdEntry struct {
	cmd  string
	help []string
}

func (m helpFormatter) print() {
	if m.appName != "" {
		log.Infof("Usage: %s <COMMAND> [<ARGS>]", m.appName)
		log.Infof("")
	}
	printSection("Commands:", m.entries)
	printSection("Commands for developers:", m.advanced)
}

func printSection(title string, entries []helpCmdEntry) {
	if len(entries) == 0 {
		return
	}
	log.Infof("%s", title)
	for _, entry := range entries {
		log.Infof("  %s", entry.cmd)
		for _, line := range entry.help {
			log.Infof("        %s", line)
		}
		log.Infof("")
	}
}
