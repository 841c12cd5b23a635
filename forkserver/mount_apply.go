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

package forkserver

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/nestybox/sandbox2/domain"
)

// applyMounts bind-mounts every entry of a resolved mount tree under
// root, in the order mounttree.Tree.Entries returns (parents before
// children). root is a fresh empty directory that becomes the
// sandboxee's new root via pivotInto right after.
func applyMounts(root string, entries []domain.MountEntry, allowPropagation bool) error {
	if !allowPropagation {
		if err := syscall.Mount("", root, "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount tree private: %w", err)
		}
	}

	for _, e := range entries {
		dest := filepath.Join(root, e.InsidePath)

		switch e.Type {
		case domain.MountTmpfs:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", dest, err)
			}
			data := ""
			if e.SizeBytes > 0 {
				data = fmt.Sprintf("size=%d", e.SizeBytes)
			}
			if err := syscall.Mount("tmpfs", dest, "tmpfs", 0, data); err != nil {
				return fmt.Errorf("mount tmpfs at %s: %w", dest, err)
			}

		case domain.MountFile:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("mkdir parent of %s: %w", dest, err)
			}
			if _, err := os.Stat(dest); os.IsNotExist(err) {
				f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					return fmt.Errorf("create %s: %w", dest, err)
				}
				f.Close()
			}
			if err := bindMount(e.OutsidePath, dest, e.Writable); err != nil {
				return err
			}

		default: // domain.MountBind
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", dest, err)
			}
			if err := bindMount(e.OutsidePath, dest, e.Writable); err != nil {
				return err
			}
		}
	}

	return nil
}

func bindMount(src, dest string, writable bool) error {
	if err := syscall.Mount(src, dest, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dest, err)
	}
	if !writable {
		if err := syscall.Mount("", dest, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY|syscall.MS_REC, ""); err != nil {
			return fmt.Errorf("remount %s readonly: %w", dest, err)
		}
	}
	return nil
}

// mountProc mounts a fresh procfs at root/proc, for callers that asked
// for MountProc rather than inheriting the caller's own /proc view.
func mountProc(root string) error {
	dest := filepath.Join(root, "proc")
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dest, err)
	}
	return syscall.Mount("proc", dest, "proc", syscall.MS_NOSUID|syscall.MS_NOEXEC|syscall.MS_NODEV, "")
}

// pivotInto makes root the process's new root filesystem, following
// the same bind-self / pivot_root / unmount-old-root / chroot-fallback
// sequence the fork server's predecessor nsenter helper used.
func pivotInto(root string) error {
	if err := syscall.Mount(root, root, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount root onto itself: %w", err)
	}

	oldRoot := filepath.Join(root, ".sandbox2-old-root")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir old root: %w", err)
	}

	if err := syscall.PivotRoot(root, oldRoot); err != nil {
		if chrootErr := syscall.Chroot(root); chrootErr != nil {
			return fmt.Errorf("pivot_root: %w (chroot fallback also failed: %v)", err, chrootErr)
		}
		return os.Chdir("/")
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	old := "/.sandbox2-old-root"
	if err := syscall.Unmount(old, syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	return os.RemoveAll(old)
}
