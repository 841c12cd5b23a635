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

package sandbox2

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nestybox/sandbox2/domain"
)

func TestEnableUnotifyMonitorRequiresNamespaces(t *testing.T) {
	sb := New(&domain.Policy{}, Executor{Path: "/bin/true"}, nil)
	err := sb.EnableUnotifyMonitor()
	assert.Error(t, err)
}

func TestEnableUnotifyMonitorRejectsIncompatibleStackTraceFlags(t *testing.T) {
	pol := &domain.Policy{CollectStacktraceOn: domain.CollectOnSignal}
	sb := New(pol, Executor{Path: "/bin/true", Namespace: &domain.Namespace{}}, nil)
	err := sb.EnableUnotifyMonitor()
	assert.Error(t, err)
}

func TestEnableUnotifyMonitorAcceptsViolationOnlyStackTraceFlag(t *testing.T) {
	pol := &domain.Policy{CollectStacktraceOn: domain.CollectOnViolation}
	sb := New(pol, Executor{Path: "/bin/true", Namespace: &domain.Namespace{}}, nil)
	err := sb.EnableUnotifyMonitor()
	assert.NoError(t, err)
}

func TestKillBeforeRunErrors(t *testing.T) {
	sb := New(&domain.Policy{}, Executor{Path: "/bin/true"}, nil)
	err := sb.Kill()
	assert.Error(t, err)
}

func TestResultBeforeRunIsNil(t *testing.T) {
	sb := New(&domain.Policy{}, Executor{Path: "/bin/true"}, nil)
	assert.Nil(t, sb.Result())
	assert.Equal(t, 0, sb.Pid())
	assert.False(t, sb.IsTerminated())
}

func TestSetWalltimeLimitBeforeRunErrors(t *testing.T) {
	sb := New(&domain.Policy{}, Executor{Path: "/bin/true"}, nil)
	err := sb.SetWalltimeLimit(0)
	assert.Error(t, err)
}
