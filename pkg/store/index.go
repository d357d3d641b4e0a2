package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zerr"
)

// Index is the on-disk binary record of every hash the store holds. The
// format is a schema-versioned stream of length-prefixed records, each
// followed by an xxhash64 checksum of its own bytes — a corrupted record
// fails its checksum and the whole index is rebuilt by scan rather than
// trusting a partially-written file (§4.B).
//
// Layout:
//
//	uint32 schema version
//	repeated:
//	  uint32 record length
//	  record bytes (hash, path, size, insertedAt, lastAccessed)
//	  uint64 xxhash64(record bytes)
type Index struct {
	entries map[string]Record
}

func newIndex() *Index {
	return &Index{entries: make(map[string]Record)}
}

func loadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return newIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		if err == io.EOF {
			return newIndex(), nil
		}
		return nil, zerr.Wrap(err, "reading index header")
	}
	if version != indexVersion {
		return nil, fmt.Errorf("unsupported store index schema version %d", version)
	}

	idx := newIndex()
	for {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, zerr.Wrap(err, "reading record length")
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, zerr.Wrap(err, "reading record body")
		}
		var checksum uint64
		if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
			return nil, zerr.Wrap(err, "reading record checksum")
		}
		if xxhash.Sum64(buf) != checksum {
			return nil, fmt.Errorf("checksum mismatch in store index record")
		}
		rec, err := decodeRecord(buf)
		if err != nil {
			return nil, zerr.Wrap(err, "decoding store index record")
		}
		idx.entries[rec.Hash] = rec
	}
	return idx, nil
}

func (idx *Index) saveTo(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, uint32(indexVersion)); err != nil {
		f.Close()
		return err
	}
	for _, rec := range idx.entries {
		buf := encodeRecord(rec)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(buf))); err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(buf); err != nil {
			f.Close()
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, xxhash.Sum64(buf)); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encodeRecord(rec Record) []byte {
	var buf []byte
	buf = appendString(buf, rec.Hash)
	buf = appendString(buf, rec.Path)
	buf = appendInt64(buf, rec.Size)
	buf = appendInt64(buf, rec.InsertedAt.UnixNano())
	buf = appendInt64(buf, rec.LastAccessed.UnixNano())
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	var rec Record
	var ok bool
	rec.Hash, buf, ok = readString(buf)
	if !ok {
		return rec, fmt.Errorf("truncated record: hash")
	}
	rec.Path, buf, ok = readString(buf)
	if !ok {
		return rec, fmt.Errorf("truncated record: path")
	}
	var size, inserted, accessed int64
	size, buf, ok = readInt64(buf)
	if !ok {
		return rec, fmt.Errorf("truncated record: size")
	}
	inserted, buf, ok = readInt64(buf)
	if !ok {
		return rec, fmt.Errorf("truncated record: insertedAt")
	}
	accessed, _, ok = readInt64(buf)
	if !ok {
		return rec, fmt.Errorf("truncated record: lastAccessed")
	}
	rec.Size = size
	rec.InsertedAt = time.Unix(0, inserted)
	rec.LastAccessed = time.Unix(0, accessed)
	return rec, nil
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, bool) {
	if len(buf) < 4 {
		return "", buf, false
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", buf, false
	}
	return string(buf[:n]), buf[n:], true
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func readInt64(buf []byte) (int64, []byte, bool) {
	if len(buf) < 8 {
		return 0, buf, false
	}
	return int64(binary.LittleEndian.Uint64(buf[:8])), buf[8:], true
}

// rebuildIndexByScan reconstructs the index from the on-disk unpacked
// directory alone, used when the binary index fails its checksum (§4.B
// StoreCorruption recovery path). Entries recovered this way get a fresh
// InsertedAt/LastAccessed of now, since the original timestamps are lost
// with the index.
func rebuildIndexByScan(unpackedDir string) (*Index, error) {
	idx := newIndex()
	now := time.Now()

	hashDirs, err := os.ReadDir(unpackedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, err
	}
	for _, hd := range hashDirs {
		if !hd.IsDir() {
			continue
		}
		hash := hd.Name()
		packageDir := filepath.Join(unpackedDir, hash, packageSubdir)
		size, _ := dirSize(packageDir)
		idx.entries[hash] = Record{
			Hash:         hash,
			Size:         size,
			Path:         packageDir,
			InsertedAt:   now,
			LastAccessed: now,
		}
	}
	return idx, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
