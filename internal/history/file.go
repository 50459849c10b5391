package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

// FileStore persists records as JSON lines and replays them on open.
// Queries are served from memory.
type FileStore struct {
	*MemoryStore
	path   string
	log    zerolog.Logger
	file   *os.File
	writer *bufio.Writer
}

// NewFileStore opens or creates the JSONL file at path and loads its records.
func NewFileStore(path string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
		log:         log.With().Str("component", "history").Logger(),
		file:        f,
	}
	if err := fs.load(); err != nil {
		f.Close()
		return nil, err
	}
	fs.writer = bufio.NewWriter(f)
	return fs, nil
}

// load replays the file. Malformed lines are skipped. A torn final line left
// by a crash mid-append is cut off so the next append starts on a fresh line.
func (fs *FileStore) load() error {
	r := bufio.NewReader(fs.file)
	var offset, good int64
	unterminated := false
	line, skipped := 0, 0
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			offset += int64(len(raw))
			terminated := raw[len(raw)-1] == '\n'
			if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 {
				good = offset
			} else {
				var rec types.HistoryRecord
				if jerr := json.Unmarshal(trimmed, &rec); jerr != nil {
					skipped++
					fs.log.Warn().Err(jerr).Str("path", fs.path).Int("line", line).Msg("skipping malformed history line")
					if terminated {
						good = offset
					}
				} else {
					good = offset
					unterminated = !terminated
					if err := fs.MemoryStore.appendLocked(rec); err != nil {
						fs.log.Warn().Uint64("alert_id", rec.ID).Int("line", line).Msg("skipping duplicate history record")
					}
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	if good < offset {
		if err := fs.file.Truncate(good); err != nil {
			return fmt.Errorf("truncating torn history tail: %w", err)
		}
		fs.log.Warn().Str("path", fs.path).Int64("bytes", offset-good).Msg("truncated torn history tail")
	} else if unterminated {
		if _, err := fs.file.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	fs.log.Info().Str("path", fs.path).Int("records", len(fs.records)).Int("skipped", skipped).Msg("history loaded")
	return nil
}

// Append writes the record to disk before making it visible to queries.
func (fs *FileStore) Append(rec types.HistoryRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.seen[rec.ID]; ok {
		return ErrDuplicate
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := fs.writer.Write(payload); err != nil {
		return err
	}
	if err := fs.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := fs.writer.Flush(); err != nil {
		return err
	}
	return fs.appendLocked(rec)
}

// Prune evicts records and compacts the file by rewriting the survivors.
func (fs *FileStore) Prune(maxRecords int, cutoff time.Time) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.pruneLocked(maxRecords, cutoff)
	if n == 0 {
		return 0, nil
	}
	if err := fs.rewriteLocked(); err != nil {
		return n, fmt.Errorf("compacting history: %w", err)
	}
	return n, nil
}

func (fs *FileStore) rewriteLocked() error {
	tmp := fs.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range fs.records {
		if err := enc.Encode(rec); err != nil {
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
	if err := os.Rename(tmp, fs.path); err != nil {
		return err
	}

	fs.file.Close()
	fs.file, err = os.OpenFile(fs.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	fs.writer = bufio.NewWriter(fs.file)
	return nil
}

// Close flushes and closes the underlying file
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writer.Flush(); err != nil {
		fs.file.Close()
		return err
	}
	return fs.file.Close()
}
