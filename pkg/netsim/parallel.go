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

package netsim

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/enfein/tcpbbr/pkg/engine"
)

// RunParallel runs the scenarios concurrently, at most parallelism at a
// time, and returns the results in the order of the scenarios. A value
// of parallelism below one means the number of CPUs. newObserver, if
// not nil, makes the extra observer of each run.
//
// The first failing run cancels the others.
func RunParallel(ctx context.Context, scenarios []*Scenario, parallelism int, newObserver func(*Scenario) engine.Observer) ([]*Result, error) {
	if parallelism < 1 {
		parallelism = runtime.NumCPU()
	}
	results := make([]*Result, len(scenarios))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, sc := range scenarios {
		i, sc := i, sc
		g.Go(func() error {
			var obs engine.Observer
			if newObserver != nil {
				obs = newObserver(sc)
			}
			res, err := New(sc, obs).Run(ctx)
			if err != nil {
				return fmt.Errorf("scenario %q: %w", sc.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
