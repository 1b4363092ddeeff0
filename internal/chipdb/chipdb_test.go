package chipdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"flashkit/internal/model"
)

func TestDefaultLoadsEmbeddedTable(t *testing.T) {
	db, err := Default("")
	require.NoError(t, err)
	require.Greater(t, db.Len(), 0)

	name, ok := db.Lookup(0x00180025)
	require.True(t, ok)
	require.Equal(t, "SDM845", name)
}

func TestLookupUnknownIsFalse(t *testing.T) {
	db, err := Default("")
	require.NoError(t, err)
	_, ok := db.Lookup(0xDEADBEEF)
	require.False(t, ok)
}

func TestLoadOverrideAddsEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.csv")
	content := "hardware_id,chip_name,vendor_family\n0xAAAAAAAA,CustomChip,edl\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	db, err := load(path)
	require.NoError(t, err)

	name, ok := db.Lookup(0xAAAAAAAA)
	require.True(t, ok)
	require.Equal(t, "CustomChip", name)

	// Embedded entries are still present alongside the override.
	name2, ok := db.Lookup(0x00180025)
	require.True(t, ok)
	require.Equal(t, "SDM845", name2)
}

func TestParseVendor(t *testing.T) {
	require.Equal(t, model.VendorQualcommEDL, parseVendor("edl"))
	require.Equal(t, model.VendorSpreadtrumBSL, parseVendor("bsl"))
	require.Equal(t, model.VendorFastboot, parseVendor("fastboot"))
	require.Equal(t, model.VendorUnknown, parseVendor("whatever"))
}
