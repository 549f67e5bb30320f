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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/registry"
)

var errExited = errors.New("exit status 1")

type fakeProcess struct {
	pid             int
	exit            chan error
	ignoreInterrupt bool
	interrupted     atomic.Bool
	killed          atomic.Bool
	once            sync.Once
	result          error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1)}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() error {
	p.once.Do(func() { p.result = <-p.exit })

	return p.result
}

func (p *fakeProcess) finish(err error) {
	select {
	case p.exit <- err:
	default:
	}
}

func (p *fakeProcess) Interrupt() error {
	p.interrupted.Store(true)

	if !p.ignoreInterrupt {
		p.finish(nil)
	}

	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.finish(errors.New("signal: killed"))

	return nil
}

func newTestSupervisor(t *testing.T, runner Runner, opts Options) (*Supervisor, *registry.Registry) {
	t.Helper()

	reg := registry.New(nil, models.DefaultInstanceConfig(), logger.NewTestLogger())
	s := New(runner, reg, opts, logger.NewTestLogger())
	s.stats = func(context.Context, int) (uint64, float64, error) { return 2048, 1.5, nil }

	return s, reg
}

func stateOf(s *Supervisor, id string) models.ServiceState {
	for _, st := range s.Status(context.Background()) {
		if st.ID == id {
			return st.State
		}
	}

	return ""
}

func TestScan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	files := map[string]os.FileMode{
		"bb_core_weather":      0o755,
		"bb_core_noexec":       0o644,
		"helper.sh":            0o755,
		"sub/bb_core_nested":   0o700,
		"sub/bb_core_groupx":   0o610,
		"sub/readme_bb_core.t": 0o744,
	}

	for name, mode := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
		require.NoError(t, os.Chmod(path, mode))
	}

	got := Scan([]string{dir, filepath.Join(dir, "missing")}, logger.NewTestLogger())

	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "bb_core_weather"),
		filepath.Join(dir, "sub/bb_core_nested"),
		filepath.Join(dir, "sub/readme_bb_core.t"),
	}, got)
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := NewMockRunner(ctrl)

	identify := func(path string, out string, err error) {
		runner.EXPECT().Output(gomock.Any(), path, "--identify", "true").Return([]byte(out), err)
	}

	identify("/c/bb_core_weather", `{"id":"weather","roles":["core"]}`, nil)
	identify("/c/bb_core_words", "loading...\n{\"id\":\"words\",\"roles\":[\"collection_handler\"]}\n", nil)
	identify("/c/bb_core_bad", "not json", nil)
	identify("/c/bb_core_dup", `{"id":"weather","roles":["core"]}`, nil)
	identify("/c/bb_core_fail", "", errExited)
	identify("/c/bb_core_noid", `{"roles":["core"]}`, nil)

	runner.EXPECT().Output(gomock.Any(), "/c/bb_core_words", "--collections", "true").
		Return([]byte(`{"collections":[{"id":"get","keywords":["get","fetch"]}]}`), nil)

	s, reg := newTestSupervisor(t, runner, Options{ExtraArgs: map[string][]string{"weather": {"--units", "metric"}}})

	found := s.Discover(context.Background(), []string{
		"/c/bb_core_weather", "/c/bb_core_words", "/c/bb_core_bad",
		"/c/bb_core_dup", "/c/bb_core_fail", "/c/bb_core_noid",
	})

	require.Len(t, found, 2)
	assert.Equal(t, "weather", found[0].ID)
	assert.Equal(t, []string{"--units", "metric"}, found[0].ExtraArgs)
	assert.Equal(t, "words", found[1].ID)

	assert.Equal(t, []string{"weather", "words"}, reg.IDs())
	assert.True(t, reg.Supports("weather", models.CapabilityIntent))
	assert.True(t, reg.Supports("words", models.CapabilityCollections))
	assert.Contains(t, reg.Collections(), "get")

	s.RegisterExternal([]models.ExternalCore{{ID: "remote"}, {ID: "weather"}})
	assert.Equal(t, models.ServiceExternal, stateOf(s, "remote"))
	assert.True(t, reg.Supports("remote", models.CapabilityIntent))
}

func TestIdentifyErrors(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := NewMockRunner(ctrl)
	runner.EXPECT().Output(gomock.Any(), "/x", "--identify", "true").Return(nil, errExited)
	runner.EXPECT().Output(gomock.Any(), "/y", "--identify", "true").Return([]byte("{"), nil)

	s, _ := newTestSupervisor(t, runner, Options{})

	_, err := s.Identify(context.Background(), "/x")
	require.ErrorIs(t, err, ErrIdentify)
	require.ErrorIs(t, err, errExited)

	_, err = s.Identify(context.Background(), "/y")
	require.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		desc models.ServiceDescriptor
		want []string
	}{
		{
			name: "no credentials",
			opts: Options{DeviceID: "abc", Host: "localhost", Port: 1883},
			want: []string{"--device-id", "abc", "--host", "localhost", "--port", "1883"},
		},
		{
			name: "user without password",
			opts: Options{DeviceID: "abc", Host: "h", Port: 1, User: "bob"},
			want: []string{"--device-id", "abc", "--host", "h", "--port", "1"},
		},
		{
			name: "credentials and extra args",
			opts: Options{DeviceID: "abc", Host: "h", Port: 1, User: "bob", Password: "pw"},
			desc: models.ServiceDescriptor{ExtraArgs: []string{"--model", "base.en"}},
			want: []string{"--device-id", "abc", "--host", "h", "--port", "1", "--user", "bob", "--pass", "pw", "--model", "base.en"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, _ := newTestSupervisor(t, nil, tt.opts)
			assert.Equal(t, tt.want, s.Args(&tt.desc))
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := models.DefaultInstanceConfig()
	cfg.UUID = "dev-1"
	cfg.MQTT.User = "u"
	cfg.MQTT.Password = "p"

	opts := OptionsFromConfig(cfg)

	assert.Equal(t, "dev-1", opts.DeviceID)
	assert.Equal(t, "localhost", opts.Host)
	assert.Equal(t, 1883, opts.Port)
	assert.Equal(t, models.RestartNever, opts.Restart.Policy)
	assert.Equal(t, 5*time.Second, opts.StopTimeout)
}

func discoverOne(t *testing.T, runner *MockRunner, s *Supervisor) {
	t.Helper()

	runner.EXPECT().Output(gomock.Any(), "/c/bb_core_weather", "--identify", "true").
		Return([]byte(`{"id":"weather","roles":["core"]}`), nil)

	require.Len(t, s.Discover(context.Background(), []string{"/c/bb_core_weather"}), 1)
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := NewMockRunner(ctrl)
	s, _ := newTestSupervisor(t, runner, Options{DeviceID: "abc", Host: "h", Port: 1})

	discoverOne(t, runner, s)

	proc := newFakeProcess(4242)

	runner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, spec ProcessSpec) (Process, error) {
		assert.Equal(t, "/c/bb_core_weather", spec.Path)
		assert.Equal(t, []string{"--device-id", "abc", "--host", "h", "--port", "1"}, spec.Args)

		_, _ = spec.Stdout.Write([]byte("ready\npartial"))

		return proc, nil
	})

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.StartService(context.Background(), "weather"), ErrAlreadyRunning)
	require.ErrorIs(t, s.StartService(context.Background(), "nope"), ErrUnknownService)

	status := s.Status(context.Background())
	require.Len(t, status, 1)
	assert.Equal(t, models.ServiceRunning, status[0].State)
	assert.Equal(t, 4242, status[0].PID)
	assert.Equal(t, uint64(2048), status[0].RSSBytes)
	assert.InDelta(t, 1.5, status[0].CPUPercent, 0.001)

	require.NoError(t, s.Stop(context.Background()))

	assert.True(t, proc.interrupted.Load())
	assert.False(t, proc.killed.Load())
	assert.Equal(t, models.ServiceStopped, stateOf(s, "weather"))
	require.ErrorIs(t, s.StartService(context.Background(), "weather"), ErrStopping)
}

func TestStopKillsAfterTimeout(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := NewMockRunner(ctrl)
	s, _ := newTestSupervisor(t, runner, Options{StopTimeout: 50 * time.Millisecond})

	discoverOne(t, runner, s)

	proc := newFakeProcess(1)
	proc.ignoreInterrupt = true

	runner.EXPECT().Start(gomock.Any(), gomock.Any()).Return(proc, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.True(t, proc.interrupted.Load())
	assert.True(t, proc.killed.Load())
	assert.Equal(t, models.ServiceStopped, stateOf(s, "weather"))
}

func TestRestartPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		restart      models.RestartConfig
		wantStarts   int
		wantRestarts int
	}{
		{name: "never", restart: models.RestartConfig{Policy: models.RestartNever}, wantStarts: 1},
		{
			name:         "on failure with limit",
			restart:      models.RestartConfig{Policy: models.RestartOnFailure, MaxRestarts: 2, Backoff: models.Duration(time.Millisecond)},
			wantStarts:   3,
			wantRestarts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			runner := NewMockRunner(ctrl)
			s, _ := newTestSupervisor(t, runner, Options{Restart: tt.restart})

			discoverOne(t, runner, s)

			var starts atomic.Int32

			runner.EXPECT().Start(gomock.Any(), gomock.Any()).
				Times(tt.wantStarts).
				DoAndReturn(func(context.Context, ProcessSpec) (Process, error) {
					n := starts.Add(1)
					p := newFakeProcess(int(n))
					p.finish(errExited)

					return p, nil
				})

			require.NoError(t, s.Start(context.Background()))

			require.Eventually(t, func() bool {
				st := s.Status(context.Background())[0]

				return int(starts.Load()) == tt.wantStarts &&
					st.State == models.ServiceCrashed &&
					st.Restarts == tt.wantRestarts
			}, 2*time.Second, 5*time.Millisecond)

			// give a stray restart the chance to show up before the mock verifies Times
			time.Sleep(20 * time.Millisecond)

			st := s.Status(context.Background())[0]
			assert.Equal(t, "exit status 1", st.ExitError)

			require.NoError(t, s.Stop(context.Background()))
		})
	}
}

func TestExecRunner(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	script := filepath.Join(t.TempDir(), "bb_core_echo")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
if [ "$1" = "--identify" ]; then
  echo '{"id":"echo","roles":["core"]}'
  exit 0
fi
echo "started $*"
trap 'echo bye; exit 0' INT
while true; do sleep 0.05; done
`), 0o755))

	reg := registry.New(nil, models.DefaultInstanceConfig(), logger.NewTestLogger())
	s := New(NewExecRunner(), reg, Options{DeviceID: "abc", Host: "localhost", Port: 1883, StopTimeout: 3 * time.Second}, logger.NewTestLogger())

	found := s.Discover(context.Background(), Scan([]string{filepath.Dir(script)}, logger.NewTestLogger()))
	require.Len(t, found, 1)
	assert.Equal(t, "echo", found[0].ID)

	require.NoError(t, s.Start(context.Background()))

	status := s.Status(context.Background())
	require.Len(t, status, 1)
	assert.Equal(t, models.ServiceRunning, status[0].State)
	assert.Positive(t, status[0].PID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, models.ServiceStopped, stateOf(s, "echo"))
}

func TestLineWriter(t *testing.T) {
	t.Parallel()

	w := newLineWriter(logger.NewTestLogger(), "svc", "stdout")

	n, err := w.Write([]byte("one\ntwo\r\nthr"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "thr", string(w.buf))

	w.Flush()
	assert.Empty(t, w.buf)
}
