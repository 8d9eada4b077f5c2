package stage

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNodeNotFound is returned when attempting to look up a
// node within a Tree that does not exist.
var ErrNodeNotFound = errors.New("node not found")

// TreeNode is one file or directory within a staged Tree. Parent
// back-references exist so that a filesystem compiler can register each
// node in its parent's directory data and bump link counts without a
// second lookup pass.
type TreeNode struct {
	File     File
	Parent   *TreeNode
	Children []*TreeNode

	// Ino is assigned by the filesystem compiler during its setup
	// phase and is meaningless before then.
	Ino int64

	path string
}

// Path returns the full slash-separated path of the node from the tree
// root. The root node's path is "/".
func (n *TreeNode) Path() string {
	return n.path
}

func (n *TreeNode) lookup(name string) *TreeNode {
	for _, child := range n.Children {
		if child.File.Name() == name {
			return child
		}
	}
	return nil
}

// Tree is a staged hierarchy of directories and files destined to
// become the contents of a filesystem image. It is assembled with Map
// and then handed to a compiler, which leaves its structure unchanged
// and only records each node's inode number in Ino.
type Tree struct {
	root  *TreeNode
	count int
}

// NewTree returns an empty Tree containing only a root directory.
func NewTree() *Tree {
	return &Tree{
		root: &TreeNode{
			File: CustomFile(CustomFileArgs{
				Name:  "/",
				IsDir: true,
			}),
			path: "/",
		},
	}
}

// Root returns the tree's root directory node.
func (t *Tree) Root() *TreeNode {
	return t.root
}

// NodeCount returns the number of nodes in the tree, excluding the
// root.
func (t *Tree) NodeCount() int {
	return t.count
}

// Map adds f to the Tree at p, creating parent directories as
// necessary. Mapping over an existing node replaces it, closing the
// file it held.
func (t *Tree) Map(p string, f File) error {

	p = path.Clean("/" + strings.TrimPrefix(filepath.ToSlash(p), "/"))
	if p == "/" {
		return errors.New("cannot map over the tree root")
	}

	dir, base := path.Split(p)
	parent, err := t.mkdirAll(strings.TrimSuffix(dir, "/"))
	if err != nil {
		return err
	}

	if old := parent.lookup(base); old != nil {
		if old.File.IsDir() != f.IsDir() {
			return fmt.Errorf("cannot replace '%s': directory/file mismatch", p)
		}
		_ = old.File.Close()
		old.File = f
		return nil
	}

	parent.Children = append(parent.Children, &TreeNode{
		File:   f,
		Parent: parent,
		path:   p,
	})
	t.count++

	return nil
}

func (t *Tree) mkdirAll(p string) (*TreeNode, error) {

	if p == "" || p == "/" {
		return t.root, nil
	}

	parent, err := t.mkdirAll(path.Dir(p))
	if err != nil {
		return nil, err
	}

	base := path.Base(p)
	if n := parent.lookup(base); n != nil {
		if !n.File.IsDir() {
			return nil, fmt.Errorf("'%s' exists and is not a directory", p)
		}
		return n, nil
	}

	n := &TreeNode{
		File: CustomFile(CustomFileArgs{
			Name:  base,
			IsDir: true,
		}),
		Parent: parent,
		path:   p,
	}
	parent.Children = append(parent.Children, n)
	t.count++

	return n, nil
}

// Get returns the node at p, or ErrNodeNotFound.
func (t *Tree) Get(p string) (*TreeNode, error) {

	p = path.Clean("/" + strings.TrimPrefix(filepath.ToSlash(p), "/"))
	if p == "/" {
		return t.root, nil
	}

	n := t.root
	for _, elem := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		n = n.lookup(elem)
		if n == nil {
			return nil, ErrNodeNotFound
		}
	}

	return n, nil
}

// Walk traverses the Tree recursively in a pre-order traversal. The
// root node is not visited.
func (t *Tree) Walk(fn func(path string, n *TreeNode) error) error {
	return walk(t.root, fn)
}

func walk(n *TreeNode, fn func(path string, n *TreeNode) error) error {
	for _, child := range n.Children {
		err := fn(child.path, child)
		if err != nil {
			return err
		}
		if child.File.IsDir() {
			err = walk(child, fn)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every file held by the tree.
func (t *Tree) Close() error {
	var firstErr error
	_ = t.Walk(func(path string, n *TreeNode) error {
		err := n.File.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return nil
	})
	return firstErr
}

// Dirs returns every directory node except the root, sorted by full
// path with an ordinal comparison. Image layout depends on this order
// being stable: byte-for-byte reproducible output requires it.
func (t *Tree) Dirs() []*TreeNode {

	var dirs []*TreeNode
	_ = t.Walk(func(path string, n *TreeNode) error {
		if n.File.IsDir() {
			dirs = append(dirs, n)
		}
		return nil
	})

	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].path < dirs[j].path
	})

	return dirs
}

// fileSortKey produces the synthetic sort key that pushes shallow files
// after deep ones: a file's parent path is extended with a suffix that
// ordinally sorts after any real child directory name before the file
// name is appended.
func fileSortKey(n *TreeNode) string {
	dir, base := path.Split(n.path)
	return dir + "zzzzzzzzzz/" + base
}

// Files returns every regular file node, sorted shallow-last.
func (t *Tree) Files() []*TreeNode {

	var files []*TreeNode
	_ = t.Walk(func(path string, n *TreeNode) error {
		if !n.File.IsDir() {
			files = append(files, n)
		}
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return fileSortKey(files[i]) < fileSortKey(files[j])
	})

	return files
}

// BuildTree stages the directory rooted at root. Files under /sce_sys
// for which excl returns true (keyed by their path relative to sce_sys)
// are not added to the tree; they are returned separately, keyed the
// same way, so the caller can turn them into package entries instead.
func BuildTree(root string, excl func(rel string) bool) (*Tree, map[string]File, error) {

	fi, err := os.Stat(root)
	if err != nil {
		return nil, nil, err
	}
	if !fi.IsDir() {
		return nil, nil, fmt.Errorf("'%s' is not a directory", root)
	}

	t := NewTree()
	entries := make(map[string]File)

	err = stageDir(t, entries, root, "/", excl)
	if err != nil {
		_ = t.Close()
		return nil, nil, err
	}

	return t, entries, nil
}

func stageDir(t *Tree, entries map[string]File, osdir, rel string, excl func(rel string) bool) error {

	fis, err := ioutil.ReadDir(osdir)
	if err != nil {
		return err
	}

	for _, fi := range fis {

		if fi.Mode()&os.ModeSymlink != 0 {
			continue // the image format has no symlink representation
		}

		p := path.Join(rel, fi.Name())

		if fi.IsDir() {
			_, err = t.mkdirAll(p)
			if err != nil {
				return err
			}
			err = stageDir(t, entries, filepath.Join(osdir, fi.Name()), p, excl)
			if err != nil {
				return err
			}
			continue
		}

		f, err := LazyOpen(filepath.Join(osdir, fi.Name()))
		if err != nil {
			return err
		}

		if excl != nil && strings.HasPrefix(p, "/sce_sys/") {
			sub := strings.TrimPrefix(p, "/sce_sys/")
			if excl(sub) {
				entries[sub] = f
				continue
			}
		}

		err = t.Map(p, f)
		if err != nil {
			_ = f.Close()
			return err
		}
	}

	return nil
}
