// Copyright 2025 James Ross
package expander

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// CSVZipLister loads a state -> zips mapping from a CSV file with columns
// "zip,state" and caches it in memory. The reference table is external
// per the spec (out of scope for the core); a CSV is the simplest local
// stand-in, and encoding/csv is stdlib rather than a pack dependency
// because no example repo in the retrieval pack ships a zip/geo table
// reader to ground a third-party choice on (see DESIGN.md).
type CSVZipLister struct {
	mu   sync.RWMutex
	path string
	byState map[string][]string
}

// NewCSVZipLister returns a lister that lazily loads path on first use.
func NewCSVZipLister(path string) *CSVZipLister {
	return &CSVZipLister{path: path}
}

func (c *CSVZipLister) ensureLoaded() error {
	c.mu.RLock()
	loaded := c.byState != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byState != nil {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("expander: open zip table %s: %w", c.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	byState := map[string][]string{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("expander: parse zip table %s: %w", c.path, err)
		}
		zip := strings.TrimSpace(rec[0])
		state := strings.ToUpper(strings.TrimSpace(rec[1]))
		if zip == "" || state == "" || zip == "zip" {
			continue // header row or blank line
		}
		byState[state] = append(byState[state], zip)
	}
	for state := range byState {
		sort.Strings(byState[state])
	}
	c.byState = byState
	return nil
}

// ZipsForState implements ZipLister.
func (c *CSVZipLister) ZipsForState(state string) ([]string, error) {
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	zips := c.byState[strings.ToUpper(state)]
	if len(zips) == 0 {
		return nil, fmt.Errorf("expander: no zips found for state %q", state)
	}
	out := make([]string, len(zips))
	copy(out, zips)
	return out, nil
}
