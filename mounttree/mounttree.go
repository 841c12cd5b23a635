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

// Package mounttree implements domain.MountTree: the set of bind
// mounts, file mounts and tmpfs nodes the fork server assembles into
// a sandboxee's filesystem view before pivot_root. Nodes are kept in
// a radix tree keyed by the normalized inside-path, the same
// structure class the teacher pulls in for its own prefix-keyed
// process/namespace lookups, so "does this new path fall under an
// existing file node" is a longest-prefix-match instead of a
// hand-rolled tree walk.
package mounttree

import (
	"fmt"
	"path"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/nestybox/sandbox2/domain"
)

// Tree is the concrete, radix-tree-backed domain.MountTree.
type Tree struct {
	r *iradix.Tree
}

// New returns an empty mount tree, per the original's "everything
// must be explicitly added" default. It holds no entry for the root
// itself.
func New() *Tree {
	return &Tree{r: iradix.New()}
}

func normalize(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("mounttree: path %q must be absolute", p)
	}
	clean := path.Clean(p)
	if strings.HasPrefix(clean, "/proc/self") {
		return "", fmt.Errorf("mounttree: %q: mounts under /proc/self are not allowed", p)
	}
	return clean, nil
}

// key orders path components so that a radix LongestPrefix lookup
// finds the nearest ancestor of a given path: "/a/b/c" keys to
// "a\x00b\x00c\x00" so "/a/b"'s key is a true byte-prefix of "/a/b/c"'s
// key but not of "/a/bc"'s.
func key(normalized string) []byte {
	if normalized == "/" {
		return []byte{0}
	}
	parts := strings.Split(strings.TrimPrefix(normalized, "/"), "/")
	return []byte(strings.Join(parts, "\x00") + "\x00")
}

func (t *Tree) ancestorIsFile(normalized string) (string, bool) {
	k := key(normalized)
	prefix, raw, ok := t.r.Root().LongestPrefix(k)
	if !ok {
		return "", false
	}
	entry := raw.(domain.MountEntry)
	if entry.Type != domain.MountFile {
		return "", false
	}
	if len(prefix) == len(k) {
		// exact match against the same path, not an ancestor.
		return "", false
	}
	return entry.InsidePath, true
}

func (t *Tree) insert(normalized string, entry domain.MountEntry) error {
	if anc, ok := t.ancestorIsFile(normalized); ok {
		return fmt.Errorf("mounttree: cannot add %q: %q is already a file mount", normalized, anc)
	}
	r, _, _ := t.r.Insert(key(normalized), entry)
	t.r = r
	return nil
}

// AddFileAt binds outsidePath at insidePath.
func (t *Tree) AddFileAt(outsidePath, insidePath string, writable bool) error {
	norm, err := normalize(insidePath)
	if err != nil {
		return err
	}
	return t.insert(norm, domain.MountEntry{
		InsidePath:  norm,
		OutsidePath: outsidePath,
		Type:        domain.MountFile,
		Writable:    writable,
	})
}

// AddDirectoryAt binds the directory tree rooted at outsidePath at
// insidePath.
func (t *Tree) AddDirectoryAt(outsidePath, insidePath string, writable bool) error {
	norm, err := normalize(insidePath)
	if err != nil {
		return err
	}
	return t.insert(norm, domain.MountEntry{
		InsidePath:  norm,
		OutsidePath: outsidePath,
		Type:        domain.MountBind,
		Writable:    writable,
	})
}

// AddTmpfs mounts a fresh tmpfs at insidePath.
func (t *Tree) AddTmpfs(insidePath string, sizeBytes uint64) error {
	norm, err := normalize(insidePath)
	if err != nil {
		return err
	}
	return t.insert(norm, domain.MountEntry{
		InsidePath: norm,
		Type:       domain.MountTmpfs,
		Writable:   true,
		SizeBytes:  sizeBytes,
	})
}

// Entries returns every node, parents sorted before children so the
// fork server can mount them in order without re-deriving the
// dependency graph.
func (t *Tree) Entries() []domain.MountEntry {
	var out []domain.MountEntry
	t.r.Root().Walk(func(k []byte, raw interface{}) bool {
		out = append(out, raw.(domain.MountEntry))
		return false
	})
	return out
}

// Resolve walks up from insidePath to find the mount entry that would
// serve it. The fork server does not call it: a requested cwd is not
// checked against the mount view before the clone, and nothing here
// raises FAILED_CWD.
func (t *Tree) Resolve(insidePath string) (domain.MountEntry, bool) {
	norm, err := normalize(insidePath)
	if err != nil {
		return domain.MountEntry{}, false
	}
	_, raw, ok := t.r.Root().LongestPrefix(key(norm))
	if !ok {
		return domain.MountEntry{}, false
	}
	return raw.(domain.MountEntry), true
}

var _ domain.MountTree = (*Tree)(nil)
