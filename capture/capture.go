// Package capture appends raw provider messages to one NDJSON file per
// session and reads them back for replay.
package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Extension is the file extension of capture files.
const Extension = ".ndjson"

// maxLineSize bounds a single captured message.
const maxLineSize = 4 * 1024 * 1024

// Record is one captured provider message.
type Record struct {
	Time  time.Time       `json:"ts"`
	Event json.RawMessage `json:"event"`
}

// Writer appends records to <dir>/<key>.ndjson.
type Writer struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewWriter creates a Writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

// Path returns the capture file of key.
func (w *Writer) Path(key string) string {
	return filepath.Join(w.dir, sanitize(key)+Extension)
}

// Record appends one raw message for key.
func (w *Writer) Record(key string, raw []byte) error {
	if !json.Valid(raw) {
		return errors.New("capture record is not valid JSON")
	}
	line, err := json.Marshal(Record{Time: w.now().UTC(), Event: json.RawMessage(raw)})
	if err != nil {
		return fmt.Errorf("failed to marshal capture record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.Path(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write capture record: %w", err)
	}
	return nil
}

// Clear truncates the capture file of key.
func (w *Writer) Clear(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.WriteFile(w.Path(key), nil, 0644); err != nil {
		return fmt.Errorf("failed to clear capture file: %w", err)
	}
	return nil
}

// ReadFile reads every record of a capture file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes NDJSON records. Blank lines are skipped; a malformed line is
// an error naming its line number.
func Read(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse capture line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	return records, nil
}

// KeyFromPath returns the session key a capture file was written for.
func KeyFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), Extension)
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
