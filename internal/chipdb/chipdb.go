// Package chipdb resolves a boot-ROM-reported hardware id to a
// human-readable chip name. Spec §4.9.1 leaves the resolution source as
// an Open Question; this package answers it with a small embedded CSV
// table (DESIGN.md records the decision), overridable by an external file
// via config.Config.ChipDBPath for vendors released after this table was
// built.
package chipdb

import (
	"bufio"
	"embed"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"flashkit/internal/model"
)

//go:embed chips.csv
var embeddedFS embed.FS

// Entry is one row of the chip database.
type Entry struct {
	HardwareID uint32
	ChipName   string
	Vendor     model.VendorFamily
}

// DB is a loaded, queryable chip table.
type DB struct {
	mu      sync.RWMutex
	byHWID  map[uint32]Entry
}

var (
	defaultOnce sync.Once
	defaultDB   *DB
	defaultErr  error
)

// Default loads (once) and returns the embedded table, optionally
// overlaid with the file at overridePath if non-empty.
func Default(overridePath string) (*DB, error) {
	defaultOnce.Do(func() {
		defaultDB, defaultErr = load(overridePath)
	})
	return defaultDB, defaultErr
}

func load(overridePath string) (*DB, error) {
	db := &DB{byHWID: make(map[uint32]Entry)}

	f, err := embeddedFS.Open("chips.csv")
	if err != nil {
		return nil, fmt.Errorf("chipdb: open embedded table: %w", err)
	}
	defer f.Close()
	if err := db.loadReader(f); err != nil {
		return nil, fmt.Errorf("chipdb: parse embedded table: %w", err)
	}

	if overridePath != "" {
		of, err := os.Open(overridePath)
		if err != nil {
			return nil, fmt.Errorf("chipdb: open override %s: %w", overridePath, err)
		}
		defer of.Close()
		if err := db.loadReader(of); err != nil {
			return nil, fmt.Errorf("chipdb: parse override %s: %w", overridePath, err)
		}
	}

	return db, nil
}

func (db *DB) loadReader(f interface{ Read([]byte) (int, error) }) error {
	r := csv.NewReader(bufio.NewReader(f))
	rows, err := r.ReadAll()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows[1:] { // skip header
		if len(row) < 3 {
			continue
		}
		hwid, err := strconv.ParseUint(strings.TrimPrefix(row[0], "0x"), 16, 32)
		if err != nil {
			continue
		}
		entry := Entry{
			HardwareID: uint32(hwid),
			ChipName:   row[1],
			Vendor:     parseVendor(row[2]),
		}
		db.mu.Lock()
		db.byHWID[entry.HardwareID] = entry
		db.mu.Unlock()
	}
	return nil
}

func parseVendor(s string) model.VendorFamily {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "edl":
		return model.VendorQualcommEDL
	case "bsl":
		return model.VendorSpreadtrumBSL
	case "fastboot":
		return model.VendorFastboot
	default:
		return model.VendorUnknown
	}
}

// Lookup resolves hwid to its chip name, returning ("", false) when
// unknown. Callers should treat an unknown id as informational only
// (spec §4.9.1: an unresolved name never blocks a flash operation).
func (db *DB) Lookup(hwid uint32) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.byHWID[hwid]
	if !ok {
		return "", false
	}
	return e.ChipName, true
}

// Len reports how many entries are loaded.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.byHWID)
}
