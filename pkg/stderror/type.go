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

import "errors"

// ErrorType tells the caller how an error should be handled.
type ErrorType uint8

const (
	NO_ERROR ErrorType = iota
	UNKNOWN_ERROR

	// RESOURCE_ERROR is a per connection allocation ceiling hit.
	// The caller should back off and retry.
	RESOURCE_ERROR

	// PROTOCOL_ANOMALY is a sequence number the engine can't reconcile,
	// for example an ack beyond the highest sequence ever sent.
	// The caller may log it or abandon the connection.
	PROTOCOL_ANOMALY

	CONFIG_ERROR
)

func (t ErrorType) String() string {
	switch t {
	case NO_ERROR:
		return "NO_ERROR"
	case UNKNOWN_ERROR:
		return "UNKNOWN_ERROR"
	case RESOURCE_ERROR:
		return "RESOURCE_ERROR"
	case PROTOCOL_ANOMALY:
		return "PROTOCOL_ANOMALY"
	case CONFIG_ERROR:
		return "CONFIG_ERROR"
	default:
		return "INVALID"
	}
}

// TypedError is an error with a type.
type TypedError struct {
	err     error
	errType ErrorType
}

var _ error = TypedError{}

func (e TypedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e TypedError) Unwrap() error {
	return e.err
}

// WrapErrorWithType returns a new error with the type.
func WrapErrorWithType(err error, t ErrorType) TypedError {
	return TypedError{
		err:     err,
		errType: t,
	}
}

// GetErrorType returns the type of error.
// It looks through the whole wrap chain.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return NO_ERROR
	}
	var typedError TypedError
	if errors.As(err, &typedError) {
		return typedError.errType
	}
	if errors.Is(err, ErrNoMemory) {
		return RESOURCE_ERROR
	}
	return UNKNOWN_ERROR
}
