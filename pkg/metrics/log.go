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

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/enfein/tcpbbr/pkg/log"
)

var (
	logTicker   *time.Ticker
	logDuration = time.Minute
	stopLogging chan struct{}
	logMutex    sync.Mutex
)

// EnableLogging starts periodic metrics logging.
// Calling it again while logging is enabled has no effect.
func EnableLogging() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logTicker != nil {
		return
	}
	logTicker = time.NewTicker(logDuration)
	stopLogging = make(chan struct{})
	go logMetricsLoop(logTicker, stopLogging)
	log.Infof("enabled metrics logging with duration %v", logDuration)
}

// DisableLogging stops periodic metrics logging.
func DisableLogging() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logTicker == nil {
		return
	}
	close(stopLogging)
	logTicker.Stop()
	logTicker = nil
	log.Infof("disabled metrics logging")
}

// SetLoggingDuration sets the metrics logging time duration.
// It takes effect the next time logging is enabled.
func SetLoggingDuration(duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("duration must be a positive number")
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	logDuration = duration
	return nil
}

// LogMetricsNow writes the current metrics to log.
// This function can be called when (periodic) logging is disabled.
func LogMetricsNow() {
	log.Infof("[metrics]")
	for _, group := range GetAllMetricGroups() {
		if group.IsLoggingEnabled() {
			log.WithFields(group.NewLogFields()).Infof(group.NewLogMsg())
		}
	}
}

func logMetricsLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			LogMetricsNow()
		case <-stop:
			return
		}
	}
}
