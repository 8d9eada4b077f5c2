package pfs

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// pathHash is the bucket hash used by the flat path table: an ordinal
// 31-multiplier rolling hash over the full path bytes.
func pathHash(path string) uint32 {
	var h uint32
	for i := 0; i < len(path); i++ {
		h = h*31 + uint32(path[i])
	}
	return h
}

// crFlag marks a flat-path-table record whose inode field is really a
// byte offset into the collision resolver.
const crFlag = 0x80000000

type pathRecord struct {
	hash uint32
	path string
	ino  int64
}

// flatPathTable is the serialized hash → inode lookup table. When two
// or more paths share a bucket hash the table defers to the collision
// resolver for those buckets.
type flatPathTable struct {
	blob []byte
}

// collisionResolver carries the full paths of every colliding bucket so
// the runtime can disambiguate. It exists only when at least one
// collision does.
type collisionResolver struct {
	blob []byte
}

func (t *flatPathTable) size() int64 { return int64(len(t.blob)) }

func (r *collisionResolver) size() int64 { return int64(len(r.blob)) }

func (t *flatPathTable) bytes() []byte { return t.blob }

func (r *collisionResolver) bytes() []byte { return r.blob }

// hasCollision reports whether any two paths in records share a bucket
// hash. The builder runs this before assigning inode numbers, because
// the collision resolver claims inode 2 when present.
func hasCollision(records []pathRecord) bool {
	seen := make(map[uint32]bool, len(records))
	for _, rec := range records {
		if seen[rec.hash] {
			return true
		}
		seen[rec.hash] = true
	}
	return false
}

// buildPathTable serializes the lookup structures for records. The
// returned resolver is nil when no bucket collides.
//
// Table records are (hash, inode) pairs sorted by hash then inode, so
// the serialization is deterministic. Each colliding bucket is emitted
// once, pointing at a resolver run of (inode, NUL-terminated path)
// entries terminated by a zero inode.
func buildPathTable(records []pathRecord) (*flatPathTable, *collisionResolver) {

	recs := append([]pathRecord(nil), records...)
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].hash != recs[j].hash {
			return recs[i].hash < recs[j].hash
		}
		return recs[i].ino < recs[j].ino
	})

	counts := make(map[uint32]int, len(recs))
	for _, rec := range recs {
		counts[rec.hash]++
	}

	table := new(bytes.Buffer)
	resolver := new(bytes.Buffer)

	for i := 0; i < len(recs); {

		rec := recs[i]
		n := counts[rec.hash]

		if n == 1 {
			_ = binary.Write(table, binary.LittleEndian, rec.hash)
			_ = binary.Write(table, binary.LittleEndian, uint32(rec.ino))
			i++
			continue
		}

		_ = binary.Write(table, binary.LittleEndian, rec.hash)
		_ = binary.Write(table, binary.LittleEndian, uint32(resolver.Len())|crFlag)

		for j := 0; j < n; j++ {
			member := recs[i+j]
			_ = binary.Write(resolver, binary.LittleEndian, uint32(member.ino))
			resolver.WriteString(member.path)
			resolver.WriteByte(0)
			for resolver.Len()%4 != 0 {
				resolver.WriteByte(0)
			}
		}
		_ = binary.Write(resolver, binary.LittleEndian, uint32(0))

		i += n
	}

	fpt := &flatPathTable{blob: table.Bytes()}
	if resolver.Len() == 0 {
		return fpt, nil
	}

	return fpt, &collisionResolver{blob: resolver.Bytes()}
}
