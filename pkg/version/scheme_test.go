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

import "testing"

func TestAppVersion(t *testing.T) {
	v, err := Parse(AppVersion)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if v.String() != AppVersion {
		t.Errorf("String() = %s, want %s", v.String(), AppVersion)
	}
	tagged, err := Parse(v.Tag())
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", v.Tag(), err)
	}
	if tagged != v {
		t.Errorf("Parse(%q) = %v, want %v", v.Tag(), tagged, v)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "1.2", "1.2.3.4", "x1.2.3", "1.2.3-rc1", "v1.2.a"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want an error", s)
		}
	}
}

func TestCompare(t *testing.T) {
	testcases := []struct {
		my      Version
		another Version
		want    int
	}{
		{Version{1, 2, 3}, Version{1, 2, 3}, 0},
		{Version{1, 2, 3}, Version{2, 0, 0}, -1},
		{Version{2, 0, 0}, Version{1, 9, 9}, 1},
		{Version{1, 2, 3}, Version{1, 3, 0}, -1},
		{Version{1, 3, 0}, Version{1, 2, 9}, 1},
		{Version{1, 2, 3}, Version{1, 2, 4}, -1},
		{Version{1, 2, 4}, Version{1, 2, 3}, 1},
	}
	for _, tc := range testcases {
		if got := tc.my.Compare(tc.another); got != tc.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", tc.my, tc.another, got, tc.want)
		}
		if got := tc.my.LessThan(tc.another); got != (tc.want < 0) {
			t.Errorf("%v.LessThan(%v) = %v, want %v", tc.my, tc.another, got, tc.want < 0)
		}
	}
}
