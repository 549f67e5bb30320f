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

//go:generate mockgen -destination=mock_runner.go -package=supervisor github.com/carverauto/blueberry/pkg/supervisor Runner,Process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ProcessSpec describes a long-running child.
type ProcessSpec struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started child.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	// Interrupt asks the process to exit.
	Interrupt() error
	Kill() error
}

// Runner executes service binaries.
type Runner interface {
	// Output runs path to completion and returns its stdout.
	Output(ctx context.Context, path string, args ...string) ([]byte, error)
	// Start launches path without waiting for it.
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (*ExecRunner) Output(ctx context.Context, path string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return out, fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}

		return out, err
	}

	return out, nil
}

// Start does not tie the child to ctx; the supervisor stops children explicitly.
func (*ExecRunner) Start(_ context.Context, spec ProcessSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...) //nolint:gosec // paths come from the cores directories
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Interrupt() error {
	return unix.Kill(p.cmd.Process.Pid, unix.SIGINT)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
