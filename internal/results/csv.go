package results

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "results")

// CSVStore is an append-only CSV journal. Each update appends one complete row and
// fsyncs before returning, so a crash loses at most the row being written. The latest
// row for an identifier wins on load.
type CSVStore struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenCSV opens (or creates) the journal at path.
func OpenCSV(path string) (*CSVStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	s := &CSVStore{path: path, f: f}

	if err := s.prepare(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// prepare writes the header to a new journal and cuts a torn last line back to the
// previous newline so the next row starts cleanly.
func (s *CSVStore) prepare() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read results file: %w", err)
	}

	keep := bytes.LastIndexByte(data, '\n') + 1
	if keep < len(data) {
		log.WithFields(logrus.Fields{"path": s.path, "bytes": len(data) - keep}).Warn("results file ends with a partial row, truncating it")
		if err := s.f.Truncate(int64(keep)); err != nil {
			return fmt.Errorf("failed to repair results file: %w", err)
		}
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("failed to repair results file: %w", err)
		}
	}
	if keep == 0 {
		return s.append(Columns)
	}
	return nil
}

func (s *CSVStore) append(row []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	// one write per row: O_APPEND keeps rows whole even if the process dies mid-run
	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return err
	}
	return s.f.Sync()
}

// Update appends res to the journal.
func (s *CSVStore) Update(ctx context.Context, res *match.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return errors.New("results file is closed")
	}
	if err := s.append(FromResult(res).Row()); err != nil {
		return fmt.Errorf("failed to write result for %s: %w", res.ID, err)
	}
	return nil
}

// Load reads the journal. A missing file is an empty store.
func (s *CSVStore) Load(ctx context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LoadCSV(s.path)
}

// Path returns the journal location.
func (s *CSVStore) Path() string {
	return s.path
}

// Close closes the journal.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// LoadCSV reads a result journal from path, keeping the last row per identifier.
func LoadCSV(path string) (map[string]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}
	return parseJournal(data, path)
}

// parseJournal reads one record per physical line. A line that does not parse is
// logged and dropped without affecting the lines around it.
func parseJournal(data []byte, path string) (map[string]Record, error) {
	// a crash mid-write leaves an unterminated final row
	if n := len(data); n > 0 && data[n-1] != '\n' {
		data = data[:bytes.LastIndexByte(data, '\n')+1]
	}

	records := make(map[string]Record)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		entry := log.WithFields(logrus.Fields{"path": path, "line": i + 1})

		r := csv.NewReader(strings.NewReader(line))
		r.FieldsPerRecord = -1
		row, err := r.Read()
		if err != nil {
			entry.WithError(err).Warn("skipping malformed result row")
			continue
		}
		if i == 0 && row[0] == Columns[0] {
			continue
		}
		rec, err := recordFromRow(row)
		if err != nil {
			entry.WithError(err).Warn("skipping malformed result row")
			continue
		}
		records[rec.ID] = rec
	}
	return records, nil
}
