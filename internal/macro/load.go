package macro

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

var (
	phraseColumns    = []string{"phrase", "Phrase", "PHRASE"}
	expansionColumns = []string{"expanded_text", "Expanded Text", "EXPANDED_TEXT"}
)

// ReadCSV parses a macro table with a header row. The phrase and expansion
// columns are located by name; other columns are ignored.
func ReadCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	phraseIdx := columnIndex(header, phraseColumns)
	expansionIdx := columnIndex(header, expansionColumns)
	if phraseIdx < 0 || expansionIdx < 0 {
		return nil, fmt.Errorf("CSV header %v lacks phrase/expanded_text columns", header)
	}

	var entries []Entry
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("failed to read CSV row: %w", err)
		}
		if phraseIdx >= len(record) || expansionIdx >= len(record) {
			continue
		}
		entries = append(entries, Entry{Phrase: record[phraseIdx], Expansion: record[expansionIdx]})
	}
	return entries, nil
}

func columnIndex(header []string, names []string) int {
	for _, name := range names {
		for i, h := range header {
			if strings.TrimSpace(h) == name {
				return i
			}
		}
	}
	return -1
}

// LoadCSV reads a CSV macro table and loads it. Rows read before a parse
// error are still loaded.
func (m *Matcher) LoadCSV(r io.Reader) (int, error) {
	entries, err := ReadCSV(r)
	n := m.Load(entries)
	return n, err
}

// LoadFiles loads each CSV file in order. Missing or unreadable files are
// logged and skipped so the matcher keeps whatever loaded successfully.
func (m *Matcher) LoadFiles(paths ...string) int {
	total := 0
	for _, path := range paths {
		n, err := m.loadFile(path)
		total += n
		switch {
		case errors.Is(err, fs.ErrNotExist):
			m.logger.Debug("Macro file not found", slog.String("path", path))
		case err != nil:
			m.logger.Error("Failed to load macros",
				slog.String("path", path),
				slog.Int("loaded", n),
				slog.String("error", err.Error()),
			)
		default:
			m.logger.Info("Loaded macros", slog.String("path", path), slog.Int("count", n))
		}
	}
	return total
}

func (m *Matcher) loadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return m.LoadCSV(f)
}
