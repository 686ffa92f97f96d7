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

package version

import (
	"fmt"
	"regexp"
	"strconv"
)

// versionFmt matches "1.2.3" and the tag form "v1.2.3".
var versionFmt = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)$`)

// Version is a semantic version number without pre-release suffix.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Tag returns the git tag of the version, e.g. "v1.0.0".
func (v Version) Tag() string {
	return "v" + v.String()
}

// Compare returns -1, 0 or 1 if v is older than, equal to or newer than
// another.
func (v Version) Compare(another Version) int {
	for _, d := range [3]int{v.Major - another.Major, v.Minor - another.Minor, v.Patch - another.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// LessThan returns true if v is older than another.
func (v Version) LessThan(another Version) bool {
	return v.Compare(another) < 0
}

// Parse reads a version number, with or without the "v" prefix.
func Parse(s string) (Version, error) {
	m := versionFmt.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("failed to parse version %q", s)
	}
	var parts [3]int
	for i := range parts {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("failed to parse version %q: %w", s, err)
		}
		parts[i] = n
	}
	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}
