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

package domain

import "golang.org/x/sys/unix"

// Namespace bundles the namespace/mount/identity settings the fork
// server applies to a sandboxee before it execs the target. A nil
// *Namespace means namespaces are disabled entirely (the sandboxee
// runs in the fork server's own namespaces).
type Namespace struct {
	Uid uint32
	Gid uint32

	// CloneFlags are the unix.CLONE_NEW* bits requested in addition to
	// DefaultCloneFlags.
	CloneFlags uintptr

	Mounts MountTree

	// MountProc requests a fresh /proc mount inside the new PID
	// namespace; without it /proc is left exactly as the mount tree
	// describes it.
	MountProc bool

	Hostname string

	// DisableUserNamespace skips CLONE_NEWUSER even when CloneFlags
	// would otherwise imply it; the sandboxee then runs with the fork
	// server's own uid/gid mapping.
	DisableUserNamespace bool

	// AvoidPivotRoot keeps the host's root filesystem visible at its
	// original path instead of pivot_root-ing into the mount tree's
	// root; used for policies that need host paths unreachable by
	// namespace isolation alone but still need pivot_root's mount
	// propagation semantics avoided (e.g. nested sandboxing).
	AvoidPivotRoot bool

	// AllowMountPropagation keeps MS_SHARED propagation into the new
	// mount namespace instead of the default MS_PRIVATE/MS_SLAVE
	// remount; almost always left false.
	AllowMountPropagation bool
}

// DefaultCloneFlags are the namespaces every sandboxed run gets
// unless DisableUserNamespace suppresses CLONE_NEWUSER.
const DefaultCloneFlags = unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC | unix.CLONE_NEWUSER

// GetCloneFlags returns the flags to pass to clone(2), honoring
// DisableUserNamespace.
func (n *Namespace) GetCloneFlags() uintptr {
	if n == nil {
		return 0
	}
	flags := uintptr(DefaultCloneFlags) | n.CloneFlags
	if n.DisableUserNamespace {
		flags &^= uintptr(unix.CLONE_NEWUSER)
	}
	return flags
}
