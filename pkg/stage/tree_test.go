package stage

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func mapFile(t *testing.T, tree *Tree, path string, data []byte) {
	t.Helper()
	err := tree.Map(path, CustomFile(CustomFileArgs{
		Name:       filepath.Base(path),
		Size:       int64(len(data)),
		ReadCloser: ioutil.NopCloser(bytes.NewReader(data)),
	}))
	if err != nil {
		t.Fatalf("mapping %s: %v", path, err)
	}
}

func TestMapCreatesParents(t *testing.T) {

	tree := NewTree()
	mapFile(t, tree, "/a/b/c.txt", []byte("hello"))

	if tree.NodeCount() != 3 {
		t.Fatalf("node count = %d, expected 3", tree.NodeCount())
	}

	n, err := tree.Get("/a/b")
	if err != nil {
		t.Fatalf("get /a/b: %v", err)
	}
	if !n.File.IsDir() {
		t.Fatalf("/a/b is not a directory")
	}

	n, err = tree.Get("/a/b/c.txt")
	if err != nil {
		t.Fatalf("get /a/b/c.txt: %v", err)
	}
	if n.Parent == nil || n.Parent.Path() != "/a/b" {
		t.Fatalf("parent back-reference broken")
	}

	_, err = tree.Get("/missing")
	if err != ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestFileOrderingShallowLast(t *testing.T) {

	tree := NewTree()
	mapFile(t, tree, "/x.txt", []byte("shallow"))
	mapFile(t, tree, "/a/b/c.txt", []byte("deep"))
	mapFile(t, tree, "/a/top.txt", []byte("middle"))

	files := tree.Files()
	if len(files) != 3 {
		t.Fatalf("%d files, expected 3", len(files))
	}

	// Deep files sort before shallow ones.
	want := []string{"/a/b/c.txt", "/a/top.txt", "/x.txt"}
	for i, w := range want {
		if files[i].Path() != w {
			t.Fatalf("file %d is '%s', expected '%s'", i, files[i].Path(), w)
		}
	}

	dirs := tree.Dirs()
	if len(dirs) != 2 || dirs[0].Path() != "/a" || dirs[1].Path() != "/a/b" {
		t.Fatalf("directory order wrong: %v", []string{dirs[0].Path(), dirs[1].Path()})
	}
}

func TestBuildTreeExcludesEntries(t *testing.T) {

	root, err := ioutil.TempDir("", "stage-test-")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(root)

	write := func(rel string, data []byte) {
		t.Helper()
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := ioutil.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write("eboot.bin", []byte("payload"))
	write("sce_sys/param.sfo", []byte("psf"))
	write("sce_sys/keep.bin", []byte("stays"))

	excl := func(rel string) bool { return rel == "param.sfo" }

	tree, entries, err := BuildTree(root, excl)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	defer tree.Close()

	if _, ok := entries["param.sfo"]; !ok {
		t.Fatalf("param.sfo was not extracted")
	}
	if _, err := tree.Get("/sce_sys/param.sfo"); err == nil {
		t.Fatalf("param.sfo still staged in the tree")
	}
	if _, err := tree.Get("/sce_sys/keep.bin"); err != nil {
		t.Fatalf("unrecognized sce_sys file was dropped: %v", err)
	}

	// Contents stream lazily and intact.
	n, err := tree.Get("/eboot.bin")
	if err != nil {
		t.Fatalf("get /eboot.bin: %v", err)
	}
	data, err := ioutil.ReadAll(n.File)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("payload mismatch")
	}
}

