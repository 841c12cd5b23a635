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

// MountEntryType distinguishes the three kinds of node a mount tree
// can hold.
type MountEntryType int

const (
	MountBind MountEntryType = iota
	MountFile
	MountTmpfs
)

// MountEntry is one resolved node of a sandboxee's mount tree, ready
// for the fork server to bind-mount or create after pivot_root.
type MountEntry struct {
	InsidePath  string
	OutsidePath string
	Type        MountEntryType
	Writable    bool
	SizeBytes   uint64 // MountTmpfs only
}

// MountTree is the contract the policy builder and fork server share
// for describing a sandboxee's filesystem view. mounttree.Tree is the
// concrete, radix-tree-backed implementation; domain only names the
// operations so that package doesn't need to depend back on policy or
// forkserver.
type MountTree interface {
	// AddFileAt binds outsidePath at insidePath, writable or
	// read-only. Fails if insidePath is already occupied by a file
	// node or would need to be created under one.
	AddFileAt(outsidePath, insidePath string, writable bool) error

	// AddDirectoryAt binds the outside directory tree rooted at
	// outsidePath at insidePath.
	AddDirectoryAt(outsidePath, insidePath string, writable bool) error

	// AddTmpfs mounts a fresh tmpfs at insidePath, capped at
	// sizeBytes (0 means the kernel default).
	AddTmpfs(insidePath string, sizeBytes uint64) error

	// Entries returns the tree's nodes in an order safe to mount in
	// (parents before children).
	Entries() []MountEntry
}
