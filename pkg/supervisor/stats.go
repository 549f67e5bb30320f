/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package supervisor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

type statsFunc func(ctx context.Context, pid int) (rss uint64, cpuPercent float64, err error)

func processStats(ctx context.Context, pid int) (uint64, float64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return 0, 0, fmt.Errorf("process %d: %w", pid, err)
	}

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("memory of %d: %w", pid, err)
	}

	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return mem.RSS, 0, fmt.Errorf("cpu of %d: %w", pid, err)
	}

	return mem.RSS, cpu, nil
}
