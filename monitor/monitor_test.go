//
// Copyright 2019-2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package monitor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/sandbox2/domain"
)

// failingForkClient lets constructor-level tests exercise base without
// needing a real fork server: SendRequest always errors, which is
// enough to verify UsesNotify gets set correctly before launch ever runs.
type failingForkClient struct{}

func (failingForkClient) SendRequest(req *domain.ForkRequest) (*domain.SandboxeeProcess, error) {
	return nil, fmt.Errorf("failingForkClient: always fails")
}

func TestNewPtraceMonitorForcesUsesNotifyFalse(t *testing.T) {
	req := &domain.ForkRequest{UsesNotify: true}
	m := NewPtraceMonitor(failingForkClient{}, req, nil, domain.Limits{}, Config{})
	assert.False(t, req.UsesNotify)
	require.NotNil(t, m.pending)
	require.NotNil(t, m.denied)
}

func TestNewUnotifyMonitorForcesUsesNotifyTrue(t *testing.T) {
	req := &domain.ForkRequest{UsesNotify: false}
	m := NewUnotifyMonitor(failingForkClient{}, req, nil, domain.Limits{}, Config{})
	assert.True(t, req.UsesNotify)
	require.NotNil(t, m.exitCh)
}

func TestPtraceMonitorRunSurfacesLaunchFailure(t *testing.T) {
	m := NewPtraceMonitor(failingForkClient{}, &domain.ForkRequest{}, nil, domain.Limits{}, Config{})
	err := m.Run()
	require.Error(t, err)
	assert.True(t, m.IsTerminated())
}

func TestSetWalltimeLimitBeforeRunErrors(t *testing.T) {
	m := NewPtraceMonitor(failingForkClient{}, &domain.ForkRequest{}, nil, domain.Limits{}, Config{})
	err := m.SetWalltimeLimit(0)
	assert.Error(t, err)
}

func TestResultUnsetBeforeRun(t *testing.T) {
	m := NewUnotifyMonitor(failingForkClient{}, &domain.ForkRequest{}, nil, domain.Limits{}, Config{})
	require.NotNil(t, m.Result())
	assert.Equal(t, domain.StatusUnset, m.Result().Status())
	assert.False(t, m.IsTerminated())
}
