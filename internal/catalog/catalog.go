package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// DefaultStudyType is used when a recording starts without one.
const DefaultStudyType = "CT Thorax"

// ErrUnknownStudyType is returned for study types outside the catalog.
var ErrUnknownStudyType = errors.New("unknown study type")

// DefaultStudyTypes is served when no catalog file exists.
var DefaultStudyTypes = []string{
	"CT Thorax",
	"CT Abdomen",
	"MRT Kopf",
	"MRT Wirbelsäule",
	"Röntgen Thorax",
	"Sonographie Abdomen",
	"Angiographie",
}

// fallbackStudyTypes is served when the catalog file exists but cannot be read.
var fallbackStudyTypes = []string{"CT Thorax", "MRT Kopf", "Röntgen Thorax"}

// Catalog is a read-mostly list of study types.
type Catalog struct {
	mu          sync.RWMutex
	studyTypes  []string
	index       map[string]struct{}
	defaultType string
	logger      *slog.Logger
}

// New returns a catalog holding studyTypes. An empty list selects
// DefaultStudyTypes.
func New(studyTypes []string, logger *slog.Logger) *Catalog {
	c := &Catalog{
		defaultType: DefaultStudyType,
		logger:      logger.With(slog.String("component", "catalog")),
	}
	if len(studyTypes) == 0 {
		studyTypes = DefaultStudyTypes
	}
	c.set(studyTypes)
	return c
}

// Load builds a catalog from a file with one study type per line. A missing
// file yields the defaults; an unreadable one yields a minimal list.
func Load(path string, logger *slog.Logger) *Catalog {
	c := New(nil, logger)
	if path == "" {
		return c
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Study type file not found, using defaults", slog.String("path", path))
			return c
		}
		c.logger.Error("Failed to open study type file", slog.String("path", path), slog.String("error", err.Error()))
		c.set(fallbackStudyTypes)
		return c
	}
	defer f.Close()

	studyTypes, err := Read(f)
	if err != nil {
		c.logger.Error("Failed to read study type file", slog.String("path", path), slog.String("error", err.Error()))
		c.set(fallbackStudyTypes)
		return c
	}
	if len(studyTypes) == 0 {
		c.logger.Warn("Study type file is empty, using defaults", slog.String("path", path))
		return c
	}

	c.set(studyTypes)
	c.logger.Info("Loaded study types", slog.Int("count", len(studyTypes)), slog.String("path", path))
	return c
}

// Read returns the trimmed, non-empty lines of r.
func Read(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read study types: %w", err)
	}
	return out, nil
}

func (c *Catalog) set(studyTypes []string) {
	index := make(map[string]struct{}, len(studyTypes))
	list := make([]string, 0, len(studyTypes))
	for _, st := range studyTypes {
		if _, dup := index[st]; dup {
			continue
		}
		index[st] = struct{}{}
		list = append(list, st)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.studyTypes = list
	c.index = index
}

// List returns a copy of the study types in file order.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.studyTypes...)
}

// Len returns the number of study types.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.studyTypes)
}

// Resolve maps a requested study type to a catalog entry. Blank requests
// select the default study type.
func (c *Catalog) Resolve(studyType string) (string, error) {
	studyType = strings.TrimSpace(studyType)
	if studyType == "" {
		return c.defaultType, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.index[studyType]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStudyType, studyType)
	}
	return studyType, nil
}
