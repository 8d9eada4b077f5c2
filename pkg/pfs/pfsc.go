package pfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// PFSC container constants. The inner image is wrapped in a PFSC
// before it is embedded in the outer image: 64 KiB logical blocks, an
// offset table, and zlib block compression with a raw fallback for
// blocks that refuse to shrink.
const (
	pfscMagic       = 0x43534650 // "PFSC"
	pfscTableOffset = 0x400
)

// CompressPFSC wraps image in a PFSC container. The result is padded
// to a whole number of 64 KiB blocks.
func CompressPFSC(image []byte) ([]byte, error) {

	if int64(len(image))%BlockSize != 0 {
		return nil, fmt.Errorf("image length %#x is not block aligned", len(image))
	}

	blocks := int64(len(image)) / BlockSize
	dataStart := align(pfscTableOffset+8*(blocks+1), BlockSize)

	out := new(bytes.Buffer)
	out.Write(make([]byte, dataStart))

	offsets := make([]int64, 0, blocks+1)
	scratch := new(bytes.Buffer)

	for i := int64(0); i < blocks; i++ {

		offsets = append(offsets, int64(out.Len()))

		block := image[i*BlockSize : (i+1)*BlockSize]

		scratch.Reset()
		zw := zlib.NewWriter(scratch)
		_, err := zw.Write(block)
		if err == nil {
			err = zw.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("compressing block %d: %w", i, err)
		}

		// A block whose deflate stream is not smaller gets stored
		// raw; the reader distinguishes the two by the offset delta.
		if scratch.Len() >= BlockSize {
			out.Write(block)
		} else {
			out.Write(scratch.Bytes())
		}
	}
	offsets = append(offsets, int64(out.Len()))

	blob := out.Bytes()

	le := binary.LittleEndian
	le.PutUint32(blob[0x00:], pfscMagic)
	le.PutUint32(blob[0x04:], 0)
	le.PutUint32(blob[0x08:], 3)
	le.PutUint32(blob[0x0C:], BlockSize)
	le.PutUint64(blob[0x10:], BlockSize)
	le.PutUint64(blob[0x18:], pfscTableOffset)
	le.PutUint64(blob[0x20:], uint64(dataStart))
	le.PutUint64(blob[0x28:], uint64(len(image)))

	for i, off := range offsets {
		le.PutUint64(blob[pfscTableOffset+8*i:], uint64(off))
	}

	padded := align(int64(len(blob)), BlockSize)
	blob = append(blob, make([]byte, padded-int64(len(blob)))...)

	return blob, nil
}
