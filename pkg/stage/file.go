package stage

import (
	"errors"
	"io"
	"os"
	"time"
)

// File represents a single staged file or directory. Contents are not
// read eagerly; a File is an io.Reader that produces its payload on
// demand so that multi-gigabyte trees can be staged without buffering.
type File interface {

	// Name returns the base name of the file, not a
	// full path (see filepath.Base).
	Name() string

	// Size returns the size of the file in bytes. If
	// the file represents a directory the size returned
	// should be zero.
	Size() int64

	// ModTime returns the time the file was most
	// recently modified.
	ModTime() time.Time

	// Read implements io.Reader to retrieve file
	// contents.
	Read(p []byte) (n int, err error)

	// Close implements io.Closer.
	Close() error

	// IsDir returns true if the File represents a
	// directory.
	IsDir() bool
}

// CustomFileArgs takes all elements that need to be provided
// to the CustomFile function.
type CustomFileArgs struct {
	Name       string
	Size       int64
	ModTime    time.Time
	IsDir      bool
	ReadCloser io.ReadCloser
}

// CustomFile makes it possible to construct a file that implements the
// File interface without being backed by anything on the filesystem.
// The directories a Tree creates on its own, and the files returned by
// LazyOpen, are built this way.
func CustomFile(args CustomFileArgs) File {
	return &customFile{
		name:    args.Name,
		size:    args.Size,
		modTime: args.ModTime,
		isDir:   args.IsDir,
		rc:      args.ReadCloser,
	}
}

type customFile struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
	rc      io.ReadCloser
}

func (f *customFile) Name() string {
	return f.name
}

func (f *customFile) Size() int64 {
	return f.size
}

func (f *customFile) ModTime() time.Time {
	return f.modTime
}

func (f *customFile) IsDir() bool {
	return f.isDir
}

func (f *customFile) Read(p []byte) (n int, err error) {
	if f.rc == nil {
		return 0, io.EOF
	}
	return f.rc.Read(p)
}

func (f *customFile) Close() error {
	if f.rc != nil {
		return f.rc.Close()
	}
	return nil
}

// LazyReadCloser is an implementation of io.ReadCloser
// that defers its own initialization until the first
// attempted read.
func LazyReadCloser(openFunc func() (io.Reader, error),
	closeFunc func() error) io.ReadCloser {
	return &lazyReadCloser{
		openFunc:  openFunc,
		closeFunc: closeFunc,
	}
}

type lazyReadCloser struct {
	closed    bool
	r         io.Reader
	openFunc  func() (io.Reader, error)
	closeFunc func() error
}

func (rc *lazyReadCloser) Read(p []byte) (n int, err error) {
	if rc.closed {
		err = errors.New("lazy readcloser is closed")
		return
	}

	if rc.r == nil {
		rc.r, err = rc.openFunc()
		if err != nil {
			return
		}
	}

	return rc.r.Read(p)
}

func (rc *lazyReadCloser) Close() error {
	if rc.closed {
		return errors.New("lazy readcloser already closed")
	}
	rc.closed = true
	return rc.closeFunc()
}

// LazyOpen returns a File for the object at path, deferring the actual
// open syscall until the first attempted read. A staged tree can hold
// more files than the process is allowed open descriptors, so eager
// opens are never safe here.
func LazyOpen(path string) (File, error) {

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var f *os.File

	openFunc := func() (io.Reader, error) {
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	closeFunc := func() error {
		if f != nil {
			return f.Close()
		}
		return nil
	}

	return CustomFile(CustomFileArgs{
		Name:       fi.Name(),
		Size:       fi.Size(),
		ModTime:    fi.ModTime(),
		IsDir:      fi.IsDir(),
		ReadCloser: LazyReadCloser(openFunc, closeFunc),
	}), nil
}
