package flat

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

const (
	schemaFile  = "schema.json"
	recordsFile = "records.zst"
	indexesFile = "indexes.zst"
)

func init() {
	// JSON field values decoded from requests.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

type recordsState struct {
	Seq     int64
	IDs     []string
	Records []schema.Record
}

// persistAll writes schema, records and indexes. Caller holds e.mu.
func (e *Engine) persistAll() error {
	if e.dir == "" || e.schema == nil {
		return nil
	}
	if err := os.MkdirAll(e.dir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := writeAtomic(filepath.Join(e.dir, schemaFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(e.schema)
	}); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}

	rs := recordsState{Seq: e.seq.Load(), IDs: e.order, Records: make([]schema.Record, len(e.order))}
	for i, id := range e.order {
		rs.Records[i] = e.records[id]
	}
	if err := writeCompressed(filepath.Join(e.dir, recordsFile), &rs); err != nil {
		return fmt.Errorf("write records: %w", err)
	}

	snaps := make(map[string]*snapshot, len(e.indexes))
	for name, p := range e.indexes {
		if snap := p.Load(); snap != nil {
			snaps[name] = snap
		}
	}
	if err := writeCompressed(filepath.Join(e.dir, indexesFile), snaps); err != nil {
		return fmt.Errorf("write indexes: %w", err)
	}
	return e.resetWAL()
}

// load restores state written by persistAll. A missing directory or schema is an empty engine.
func (e *Engine) load() error {
	data, err := os.ReadFile(filepath.Join(e.dir, schemaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var s schema.CollectionSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}
	e.schema = &s

	var rs recordsState
	if err := readCompressed(filepath.Join(e.dir, recordsFile), &rs); err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	e.seq.Store(rs.Seq)
	for i, id := range rs.IDs {
		if i < len(rs.Records) {
			e.order = append(e.order, id)
			e.records[id] = rs.Records[i]
		}
	}

	if err := e.replayWAL(); err != nil {
		return fmt.Errorf("replay insert log: %w", err)
	}

	snaps := make(map[string]*snapshot)
	if err := readCompressed(filepath.Join(e.dir, indexesFile), &snaps); err != nil {
		return fmt.Errorf("read indexes: %w", err)
	}
	for name, snap := range snaps {
		p := &atomic.Pointer[snapshot]{}
		p.Store(snap)
		e.indexes[name] = p
	}

	e.logger.Info("Flat engine restored")
	return nil
}

func writeCompressed(path string, v any) error {
	return writeAtomic(path, func(w io.Writer) error {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if err := gob.NewEncoder(zw).Encode(v); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	})
}

// readCompressed decodes path into v. A missing file leaves v untouched.
func readCompressed(path string, v any) error {
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	return gob.NewDecoder(zr).Decode(v)
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
