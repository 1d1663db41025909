package flat

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

const walFile = "records.wal"

// walEntry is one stored record. Seq is the auto-id counter at the time of the write.
type walEntry struct {
	Seq    int64
	ID     string
	Record schema.Record
}

// openWAL opens the insert log for appending. Caller holds e.mu.
func (e *Engine) openWAL() error {
	if e.dir == "" {
		return nil
	}
	if err := os.MkdirAll(e.dir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(e.dir, walFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open insert log: %w", err)
	}
	e.wal = f
	return nil
}

// appendWAL writes one length-prefixed gob frame and syncs it. Caller holds e.mu.
func (e *Engine) appendWAL(ent walEntry) error {
	if e.wal == nil {
		return nil
	}
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(&ent); err != nil {
		return fmt.Errorf("encode insert log entry: %w", err)
	}
	frame := binary.AppendUvarint(make([]byte, 0, body.Len()+binary.MaxVarintLen64), uint64(body.Len()))
	frame = append(frame, body.Bytes()...)
	if _, err := e.wal.Write(frame); err != nil {
		return fmt.Errorf("append insert log: %w", err)
	}
	if err := e.wal.Sync(); err != nil {
		return fmt.Errorf("sync insert log: %w", err)
	}
	return nil
}

// resetWAL empties the log once its records are in the snapshot. Caller holds e.mu.
func (e *Engine) resetWAL() error {
	if e.wal == nil {
		return nil
	}
	if err := e.wal.Truncate(0); err != nil {
		return fmt.Errorf("truncate insert log: %w", err)
	}
	return nil
}

func (e *Engine) closeWAL() error {
	if e.wal == nil {
		return nil
	}
	err := e.wal.Close()
	e.wal = nil
	return err
}

// replayWAL applies records logged after the last snapshot. A torn frame at the end of the log
// (crash mid-write) ends the replay.
func (e *Engine) replayWAL() error {
	f, err := os.Open(filepath.Join(e.dir, walFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	replayed := 0
	for {
		size, err := binary.ReadUvarint(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.logger.Warn("Truncated insert log frame, stopping replay", zap.Int("replayed", replayed), zap.Error(err))
			break
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			e.logger.Warn("Truncated insert log frame, stopping replay", zap.Int("replayed", replayed), zap.Error(err))
			break
		}
		var ent walEntry
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&ent); err != nil {
			return fmt.Errorf("decode insert log entry %d: %w", replayed, err)
		}
		if _, ok := e.records[ent.ID]; !ok {
			e.order = append(e.order, ent.ID)
		}
		e.records[ent.ID] = ent.Record
		if ent.Seq > e.seq.Load() {
			e.seq.Store(ent.Seq)
		}
		replayed++
	}
	if replayed > 0 {
		e.logger.Info("Replayed insert log", zap.Int("records", replayed))
	}
	return nil
}
