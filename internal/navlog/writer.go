// Package navlog records filter inputs and outputs so a flight can be
// replayed through the filter later.
//
// A log is a directory:
//
//	header.json           metadata, sensor list and parameter snapshot
//	records/chunk_NNNN.bin length-prefixed records, ChunkSize per file
//	index.bin             one fixed-size IndexEntry per record
//
// Each record is a little-endian uint32 length followed by a one-byte
// RecordType and the fixed little-endian payload for that type.
package navlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf"
)

// FileExtension is the conventional suffix of a log directory.
const FileExtension = ".navlog"

// ChunkSize is the number of records per chunk file.
const ChunkSize = 10000

// FormatVersion is written into every header.
const FormatVersion = "1.0"

// ErrClosed is returned when writing to a closed log.
var ErrClosed = errors.New("navlog: writer is closed")

// SensorEntry is one registered sensor instance, in registration order.
type SensorEntry struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Header describes a log.
type Header struct {
	Version      string             `json:"version"`
	CreatedNs    int64              `json:"created_ns"`
	Vehicle      string             `json:"vehicle"`
	Sensors      []SensorEntry      `json:"sensors"`
	Params       map[string]float64 `json:"params,omitempty"`
	TotalRecords uint64             `json:"total_records"`
	StartMs      uint32             `json:"start_ms"`
	EndMs        uint32             `json:"end_ms"`
	Frame        struct {
		Earth string `json:"earth"`
		Body  string `json:"body"`
	} `json:"frame"`
}

// NewHeader describes the sensors of ctx. params is the flattened tuning
// in force when recording starts.
func NewHeader(ctx *dal.Context, params map[string]float64) Header {
	h := Header{
		Version: FormatVersion,
		Vehicle: ctx.Vehicle.String(),
		Params:  params,
	}
	h.Frame.Earth, h.Frame.Body = "NED", "FRD"
	for _, k := range dal.AllKinds() {
		ctx.Sensors.Each(k, func(inst dal.Instance) {
			h.Sensors = append(h.Sensors, SensorEntry{Kind: k.String(), Name: inst.Name})
		})
	}
	return h
}

// Context rebuilds a data access context with the logged sensors.
func (h Header) Context(params dal.ParamSource) (*dal.Context, error) {
	vc, err := dal.ParseVehicleClass(h.Vehicle)
	if err != nil {
		return nil, err
	}
	ctx := dal.NewContext(vc, params)
	for _, s := range h.Sensors {
		k, err := dal.ParseKind(s.Kind)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.Sensors.Add(k, s.Name); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// IndexEntry locates one record.
type IndexEntry struct {
	RecordID uint64
	TimeMs   uint32
	ChunkID  uint32
	Offset   uint32
	Type     RecordType
}

// Writer appends records to a log. It also implements dal.Sink, so it can
// sit beside the filter in a dal.MultiSink; sink writes keep the first
// error for Err and Close.
type Writer struct {
	basePath string

	header       Header
	index        []IndexEntry
	currentChunk int
	chunkFile    *os.File
	chunkOffset  uint32

	count   uint64
	startMs uint32
	endMs   uint32

	mu      sync.Mutex
	closed  bool
	sinkErr error
}

// NewWriter creates the log directory. An empty basePath creates a
// timestamped directory under the system temp directory.
func NewWriter(basePath string, hdr Header) (*Writer, error) {
	if basePath == "" {
		basePath = filepath.Join(os.TempDir(), fmt.Sprintf("navlog_%d%s", time.Now().Unix(), FileExtension))
	}
	if err := os.MkdirAll(filepath.Join(basePath, "records"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if hdr.Version == "" {
		hdr.Version = FormatVersion
	}
	hdr.CreatedNs = time.Now().UnixNano()
	return &Writer{
		basePath:     basePath,
		header:       hdr,
		currentChunk: -1,
	}, nil
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.count == 0 {
		w.startMs = rec.Time()
	}
	w.endMs = max(w.endMs, rec.Time())

	chunkIdx := int(w.count / ChunkSize)
	if chunkIdx != w.currentChunk {
		if err := w.rotateChunk(chunkIdx); err != nil {
			return err
		}
	}

	data, err := Marshal(rec)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.chunkFile.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := w.chunkFile.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	w.index = append(w.index, IndexEntry{
		RecordID: w.count,
		TimeMs:   rec.Time(),
		ChunkID:  uint32(chunkIdx),
		Offset:   w.chunkOffset,
		Type:     rec.Type(),
	})
	w.chunkOffset += uint32(4 + len(data))
	w.count++
	return nil
}

func chunkPath(base string, idx int) string {
	return filepath.Join(base, "records", fmt.Sprintf("chunk_%04d.bin", idx))
}

func (w *Writer) rotateChunk(idx int) error {
	if w.chunkFile != nil {
		if err := w.chunkFile.Close(); err != nil {
			return err
		}
	}
	f, err := os.Create(chunkPath(w.basePath, idx))
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	w.chunkFile = f
	w.currentChunk = idx
	w.chunkOffset = 0
	return nil
}

func (w *Writer) sink(rec Record) {
	if err := w.Write(rec); err != nil {
		w.mu.Lock()
		if w.sinkErr == nil {
			w.sinkErr = err
		}
		w.mu.Unlock()
	}
}

func (w *Writer) WriteIMUDelta(id dal.SensorID, d dal.IMUDelta) {
	w.sink(IMURecord{Sensor: id, Delta: d})
}

func (w *Writer) WriteGPSFix(id dal.SensorID, fix dal.GPSFix) {
	w.sink(GPSRecord{Sensor: id, Fix: fix})
}

func (w *Writer) WriteBaroAltitude(id dal.SensorID, altM float64, timeMs uint32) {
	w.sink(BaroRecord{Sensor: id, AltM: altM, TimeMs: timeMs})
}

func (w *Writer) WriteMagField(id dal.SensorID, field r3.Vec, timeMs uint32) {
	w.sink(MagRecord{Sensor: id, Field: field, TimeMs: timeMs})
}

func (w *Writer) WriteAirspeedEAS(id dal.SensorID, eas, eas2tas float64, timeMs uint32) {
	w.sink(AirspeedRecord{Sensor: id, EAS: eas, EAS2TAS: eas2tas, TimeMs: timeMs})
}

var _ dal.Sink = (*Writer)(nil)

// WriteOutput logs the filter solution.
func (w *Writer) WriteOutput(s ekf.Snapshot) error {
	return w.Write(OutputFromSnapshot(s))
}

// Err returns the first error from a sink write.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sinkErr
}

// Close writes the header and index. It returns the first sink error if
// any write failed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.chunkFile != nil {
		if err := w.chunkFile.Close(); err != nil {
			return fmt.Errorf("failed to close chunk: %w", err)
		}
	}

	w.header.TotalRecords = w.count
	w.header.StartMs = w.startMs
	w.header.EndMs = w.endMs
	headerData, err := json.MarshalIndent(w.header, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.basePath, "header.json"), headerData, 0644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	indexFile, err := os.Create(filepath.Join(w.basePath, "index.bin"))
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	defer indexFile.Close()
	if err := binary.Write(indexFile, binary.LittleEndian, w.index); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return w.sinkErr
}

// Path returns the log directory.
func (w *Writer) Path() string {
	return w.basePath
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
