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

package stderror

import (
	"errors"
	"fmt"
)

// ShouldRetry returns true if the operation can be retried later
// without changing the input.
func ShouldRetry(err error) bool {
	return errors.Is(err, ErrNoMemory) || GetErrorType(err) == RESOURCE_ERROR
}

// IsProtocolAnomaly returns true if the error reports inconsistent
// sequence numbers from the peer.
func IsProtocolAnomaly(err error) bool {
	return GetErrorType(err) == PROTOCOL_ANOMALY
}

// NewProtocolAnomaly builds a PROTOCOL_ANOMALY typed error.
func NewProtocolAnomaly(format string, a ...any) error {
	return WrapErrorWithType(fmt.Errorf(format, a...), PROTOCOL_ANOMALY)
}

// NewConfigError builds a CONFIG_ERROR typed error.
func NewConfigError(format string, a ...any) error {
	return WrapErrorWithType(fmt.Errorf(format, a...), CONFIG_ERROR)
}
