package navlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// indexEntrySize is the encoded size of one IndexEntry.
var indexEntrySize = binary.Size(IndexEntry{})

// Reader reads records back in log order.
type Reader struct {
	basePath string
	header   Header
	index    []IndexEntry

	next int

	currentChunk int
	chunkData    []byte

	mu sync.Mutex
}

// Open opens a log written by Writer.
func Open(basePath string) (*Reader, error) {
	r := &Reader{basePath: basePath, currentChunk: -1}

	headerData, err := os.ReadFile(filepath.Join(basePath, "header.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerData, &r.header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	indexData, err := os.ReadFile(filepath.Join(basePath, "index.bin"))
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(indexData)%indexEntrySize != 0 {
		return nil, fmt.Errorf("index length %d is not a multiple of %d", len(indexData), indexEntrySize)
	}
	r.index = make([]IndexEntry, len(indexData)/indexEntrySize)
	if _, err := binary.Decode(indexData, binary.LittleEndian, r.index); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	if uint64(len(r.index)) != r.header.TotalRecords {
		return nil, fmt.Errorf("index holds %d records, header says %d", len(r.index), r.header.TotalRecords)
	}
	return r, nil
}

// Header returns the log header.
func (r *Reader) Header() Header {
	return r.header
}

// Len returns the number of records in the log.
func (r *Reader) Len() int {
	return len(r.index)
}

// Index returns the record index. The slice must not be modified.
func (r *Reader) Index() []IndexEntry {
	return r.index
}

// Seek positions the reader at record i.
func (r *Reader) Seek(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i > len(r.index) {
		return fmt.Errorf("record index out of range: %d (len %d)", i, len(r.index))
	}
	r.next = i
	return nil
}

// SeekToTime positions the reader at the first record stamped at or after
// timeMs. Input records are written in arrival order, so the search
// assumes timestamps never decrease.
func (r *Reader) SeekToTime(timeMs uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = sort.Search(len(r.index), func(i int) bool {
		return r.index[i].TimeMs >= timeMs
	})
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= len(r.index) {
		return nil, io.EOF
	}
	entry := r.index[r.next]
	if int(entry.ChunkID) != r.currentChunk {
		if err := r.loadChunk(int(entry.ChunkID)); err != nil {
			return nil, err
		}
	}

	off := uint64(entry.Offset)
	if off+4 > uint64(len(r.chunkData)) {
		return nil, fmt.Errorf("record %d: invalid offset %d", entry.RecordID, off)
	}
	n := uint64(binary.LittleEndian.Uint32(r.chunkData[off:]))
	off += 4
	if off+n > uint64(len(r.chunkData)) {
		return nil, fmt.Errorf("record %d: invalid length %d", entry.RecordID, n)
	}
	rec, err := Unmarshal(r.chunkData[off : off+n])
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", entry.RecordID, err)
	}
	r.next++
	return rec, nil
}

func (r *Reader) loadChunk(idx int) error {
	data, err := os.ReadFile(chunkPath(r.basePath, idx))
	if err != nil {
		return fmt.Errorf("failed to read chunk: %w", err)
	}
	r.chunkData = data
	r.currentChunk = idx
	return nil
}

// Close releases the cached chunk.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunkData = nil
	r.currentChunk = -1
	return nil
}
