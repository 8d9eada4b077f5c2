// Package sfo reads and writes PSF ("param.sfo") system files. The
// builder loads the staged param.sfo, rewrites its publishing-tool
// fields, and serializes it back; nothing here is specific to any one
// parameter key.
package sfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
)

const (
	magic   = 0x46535000 // "\0PSF"
	version = 0x0101

	headerSize = 20
	indexSize  = 16
)

// Value formats.
const (
	FormatBytes  uint16 = 0x0004
	FormatString uint16 = 0x0204
	FormatInt32  uint16 = 0x0404
)

// ErrNotSfo is returned when the input does not carry the PSF magic.
var ErrNotSfo = errors.New("not a PSF file")

// Entry is a single key/value pair within a PSF file.
type Entry struct {
	Key    string
	Format uint16
	MaxLen uint32
	Data   []byte
}

// Int returns the entry value as an int32. Only meaningful for
// FormatInt32 entries.
func (e *Entry) Int() int32 {
	if len(e.Data) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(e.Data))
}

// String returns the entry value as a string, with any trailing NUL
// removed.
func (e *Entry) String() string {
	return string(bytes.TrimRight(e.Data, "\x00"))
}

// File is a parsed PSF file.
type File struct {
	entries []*Entry
}

// Read parses a PSF file from r.
func Read(r io.Reader) (*File, error) {

	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if len(raw) < headerSize || binary.LittleEndian.Uint32(raw) != magic {
		return nil, ErrNotSfo
	}

	keyTable := binary.LittleEndian.Uint32(raw[8:])
	dataTable := binary.LittleEndian.Uint32(raw[12:])
	count := binary.LittleEndian.Uint32(raw[16:])

	f := new(File)
	for i := uint32(0); i < count; i++ {

		idx := headerSize + int(i)*indexSize
		if idx+indexSize > len(raw) {
			return nil, fmt.Errorf("sfo: index entry %d out of bounds", i)
		}

		keyOff := binary.LittleEndian.Uint16(raw[idx:])
		format := binary.LittleEndian.Uint16(raw[idx+2:])
		length := binary.LittleEndian.Uint32(raw[idx+4:])
		maxLen := binary.LittleEndian.Uint32(raw[idx+8:])
		dataOff := binary.LittleEndian.Uint32(raw[idx+12:])

		kStart := int(keyTable) + int(keyOff)
		kEnd := bytes.IndexByte(raw[kStart:], 0)
		if kEnd < 0 {
			return nil, fmt.Errorf("sfo: unterminated key at entry %d", i)
		}

		dStart := int(dataTable) + int(dataOff)
		if dStart+int(length) > len(raw) {
			return nil, fmt.Errorf("sfo: value for entry %d out of bounds", i)
		}

		f.entries = append(f.entries, &Entry{
			Key:    string(raw[kStart : kStart+kEnd]),
			Format: format,
			MaxLen: maxLen,
			Data:   append([]byte(nil), raw[dStart:dStart+int(length)]...),
		})
	}

	return f, nil
}

// Get returns the entry for key, or nil.
func (f *File) Get(key string) *Entry {
	for _, e := range f.entries {
		if e.Key == key {
			return e
		}
	}
	return nil
}

// GetString returns the string value for key, or "" when absent.
func (f *File) GetString(key string) string {
	e := f.Get(key)
	if e == nil {
		return ""
	}
	return e.String()
}

// GetInt returns the int32 value for key and whether it was present.
func (f *File) GetInt(key string) (int32, bool) {
	e := f.Get(key)
	if e == nil || e.Format != FormatInt32 {
		return 0, false
	}
	return e.Int(), true
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// SetString creates or replaces a string entry. The reserved length
// grows when the new value does not fit, and never shrinks, matching
// how the system tools keep param.sfo stable across edits.
func (f *File) SetString(key, value string) {

	data := append([]byte(value), 0)

	e := f.Get(key)
	if e == nil {
		e = &Entry{Key: key, Format: FormatString}
		f.entries = append(f.entries, e)
	}

	e.Data = data
	if e.MaxLen < uint32(align4(len(data))) {
		e.MaxLen = uint32(align4(len(data)))
	}
}

// SetInt creates or replaces an int32 entry.
func (f *File) SetInt(key string, value int32) {

	e := f.Get(key)
	if e == nil {
		e = &Entry{Key: key, Format: FormatInt32, MaxLen: 4}
		f.entries = append(f.entries, e)
	}

	e.Data = make([]byte, 4)
	binary.LittleEndian.PutUint32(e.Data, uint32(value))
}

// Bytes serializes the file. Entries are emitted in ascending key
// order, which is what the console's loader expects.
func (f *File) Bytes() ([]byte, error) {

	entries := append([]*Entry(nil), f.entries...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	keyTable := new(bytes.Buffer)
	dataTable := new(bytes.Buffer)
	index := new(bytes.Buffer)

	for _, e := range entries {

		if e.MaxLen < uint32(len(e.Data)) {
			return nil, fmt.Errorf("sfo: value for '%s' exceeds its reserved length", e.Key)
		}

		_ = binary.Write(index, binary.LittleEndian, uint16(keyTable.Len()))
		_ = binary.Write(index, binary.LittleEndian, e.Format)
		_ = binary.Write(index, binary.LittleEndian, uint32(len(e.Data)))
		_ = binary.Write(index, binary.LittleEndian, e.MaxLen)
		_ = binary.Write(index, binary.LittleEndian, uint32(dataTable.Len()))

		keyTable.WriteString(e.Key)
		keyTable.WriteByte(0)

		dataTable.Write(e.Data)
		for i := len(e.Data); i < int(e.MaxLen); i++ {
			dataTable.WriteByte(0)
		}
	}

	keyTableOffset := headerSize + index.Len()
	dataTableOffset := align4(keyTableOffset + keyTable.Len())

	out := new(bytes.Buffer)
	_ = binary.Write(out, binary.LittleEndian, uint32(magic))
	_ = binary.Write(out, binary.LittleEndian, uint32(version))
	_ = binary.Write(out, binary.LittleEndian, uint32(keyTableOffset))
	_ = binary.Write(out, binary.LittleEndian, uint32(dataTableOffset))
	_ = binary.Write(out, binary.LittleEndian, uint32(len(entries)))
	out.Write(index.Bytes())
	out.Write(keyTable.Bytes())
	for i := headerSize + index.Len() + keyTable.Len(); i < dataTableOffset; i++ {
		out.WriteByte(0)
	}
	out.Write(dataTable.Bytes())

	return out.Bytes(), nil
}
