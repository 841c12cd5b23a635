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

// Package process builds and applies the POSIX capability set the
// fork server installs into a sandboxee between clone and exec.
package process

import (
	"fmt"

	cap "github.com/nestybox/sysbox-libs/capability"
)

// CapSet wraps the retained capability set applied to one sandboxee.
// Built with NewCapSet from the names in a domain.ForkRequest and
// applied in-process (after the clone, before the exec) by the fork
// server's child-side helper, which runs as the target pid so
// cap.NewPid2(0) acts on the caller's own capability set.
type CapSet struct {
	c cap.Capabilities
}

// capByName maps the CAP_* names a domain.ForkRequest carries to the
// gocapability-style constants; unknown names are a caller error
// caught by NewCapSet rather than silently ignored.
var capByName = map[string]cap.Cap{
	"CAP_CHOWN":            cap.CAP_CHOWN,
	"CAP_DAC_OVERRIDE":     cap.CAP_DAC_OVERRIDE,
	"CAP_DAC_READ_SEARCH":  cap.CAP_DAC_READ_SEARCH,
	"CAP_FOWNER":           cap.CAP_FOWNER,
	"CAP_FSETID":           cap.CAP_FSETID,
	"CAP_KILL":             cap.CAP_KILL,
	"CAP_SETGID":           cap.CAP_SETGID,
	"CAP_SETUID":           cap.CAP_SETUID,
	"CAP_SETPCAP":          cap.CAP_SETPCAP,
	"CAP_NET_BIND_SERVICE": cap.CAP_NET_BIND_SERVICE,
	"CAP_NET_RAW":          cap.CAP_NET_RAW,
	"CAP_SYS_CHROOT":       cap.CAP_SYS_CHROOT,
	"CAP_SYS_PTRACE":       cap.CAP_SYS_PTRACE,
	"CAP_SYS_ADMIN":        cap.CAP_SYS_ADMIN,
	"CAP_SYS_RESOURCE":     cap.CAP_SYS_RESOURCE,
	"CAP_AUDIT_WRITE":      cap.CAP_AUDIT_WRITE,
	"CAP_SETFCAP":          cap.CAP_SETFCAP,
}

// NewCapSet loads the calling process's current capability set and
// restricts it to exactly the named capabilities across the
// permitted, effective and inheritable sets, matching the teacher's
// setCapability/isCapabilitySet wrapper pattern in spirit but
// building a whole set at once rather than toggling individual bits.
func NewCapSet(names []string) (*CapSet, error) {
	c, err := cap.NewPid2(0)
	if err != nil {
		return nil, fmt.Errorf("capability: load: %w", err)
	}
	if err := c.Load(); err != nil {
		return nil, fmt.Errorf("capability: load: %w", err)
	}

	c.Clear(cap.BOUNDING)
	c.Clear(cap.PERMITTED)
	c.Clear(cap.EFFECTIVE)
	c.Clear(cap.INHERITABLE)

	caps := make([]cap.Cap, 0, len(names))
	for _, n := range names {
		cc, ok := capByName[n]
		if !ok {
			return nil, fmt.Errorf("capability: unknown capability %q", n)
		}
		caps = append(caps, cc)
	}

	c.Set(cap.PERMITTED|cap.EFFECTIVE|cap.INHERITABLE|cap.BOUNDING, caps...)

	return &CapSet{c: c}, nil
}

// Apply installs the capability set on the calling process. Must be
// called after the final setuid/setgid (if any) since dropping
// privilege clears capabilities the kernel doesn't know to keep.
func (cs *CapSet) Apply() error {
	if err := cs.c.Apply(cap.CAPS | cap.BOUNDS); err != nil {
		return fmt.Errorf("capability: apply: %w", err)
	}
	return nil
}

// Has reports whether the set grants the named capability in its
// effective set.
func (cs *CapSet) Has(name string) bool {
	cc, ok := capByName[name]
	if !ok {
		return false
	}
	return cs.c.Get(cap.EFFECTIVE, cc)
}
