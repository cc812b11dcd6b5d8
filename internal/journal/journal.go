// Package journal provides a simple session history layer. Completed
// sessions are stored as append-only JSON lines in a local file, suitable
// for reviewing usage and cost after the fact.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is a single completed-session entry written to the file store.
type Record struct {
	Timestamp         time.Time     `json:"timestamp"`
	SessionID         string        `json:"session_id"`
	GatewayID         string        `json:"gateway_id"`
	Model             string        `json:"model"`
	Duration          time.Duration `json:"duration"`
	InputTokens       int           `json:"input_tokens"`
	OutputTokens      int           `json:"output_tokens"`
	AudioInputSeconds float64       `json:"audio_input_seconds"`
	AudioOutputSecs   float64       `json:"audio_output_seconds"`
	Cost              float64       `json:"cost"`
}

// FileStore persists session records as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on first append if it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append writes a session record to the journal.
func (fs *FileStore) Append(rec Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Entries reads back every record in the journal, oldest first. A missing
// file yields an empty slice. Lines that fail to parse are skipped so a
// partially written tail cannot hide the rest of the history.
func (fs *FileStore) Entries() ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: read: %w", err)
	}
	return records, nil
}
