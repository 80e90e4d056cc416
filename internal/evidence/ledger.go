package evidence

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// ErrStorage matches every StorageError via errors.Is.
var ErrStorage = errors.New("evidence storage error")

// StorageError reports a failed ledger I/O operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Appender is the write side of the ledger.
type Appender interface {
	Append(records ...Record) error
}

// Loader is the read side of the ledger.
type Loader interface {
	Load(caseID, userID string) ([]Record, error)
}

// Store is a full ledger.
type Store interface {
	Appender
	Loader
}

// Ledger is an append-only JSONL file. Each Append call writes its batch
// with a single write so records of one batch are never interleaved with
// another writer in this process.
type Ledger struct {
	path string
	mu   sync.Mutex
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file.
func (l *Ledger) Path() string { return l.path }

func (l *Ledger) Append(records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return &StorageError{Op: "encode", Path: l.path, Err: err}
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return &StorageError{Op: "mkdir", Path: l.path, Err: err}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &StorageError{Op: "open", Path: l.path, Err: err}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return &StorageError{Op: "write", Path: l.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &StorageError{Op: "sync", Path: l.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "close", Path: l.path, Err: err}
	}
	return nil
}

// Load scans the whole file and returns the records of (caseID, userID) in
// insertion order. Lines that do not decode are skipped.
func (l *Ledger) Load(caseID, userID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, &StorageError{Op: "open", Path: l.path, Err: err}
	}
	defer f.Close()

	out := []Record{}
	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if r, ok := decodeLine(line, lineNo); ok && r.CaseID == caseID && r.UserID == userID {
				out = append(out, r)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, &StorageError{Op: "read", Path: l.path, Err: readErr}
		}
	}
	return out, nil
}

func decodeLine(line []byte, lineNo int) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, false
	}
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		log.Printf("[ledger] skip corrupt line %d: %v", lineNo, err)
		return Record{}, false
	}
	return r, true
}
