package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubtreeScanner(t *testing.T) {
	setupFs(t,
		mockFile{path: "/src/moved/a"},
		mockFile{path: "/src/moved/sub/b"},
		mockFile{path: "/src/moved/c.tmp"},
		mockFile{path: "/src/other"},
	)

	table, _ := newTestTable("*.tmp")
	scanner := NewSubtreeScanner("/src", table.matcher, table)
	scanner.Start()
	defer scanner.Stop()

	table.OnRescan(scanner.Add)
	table.Renamed("elsewhere.tmp", "moved")

	assert.Eventually(t, func() bool {
		return table.Len() == 4
	}, time.Second, 10*time.Millisecond)

	for _, path := range []string{"moved", "moved/a", "moved/sub", "moved/sub/b"} {
		assert.True(t, has(table, path), path)
	}
	assert.False(t, has(table, "moved/c.tmp"))
	assert.False(t, has(table, "other"))
	assert.Zero(t, scanner.Pending())
}

func TestSubtreeScannerMerges(t *testing.T) {
	setupFs(t)
	table, _ := newTestTable()
	scanner := NewSubtreeScanner("/src", nil, table)

	scanner.Add("dir")
	scanner.Add("./dir/")
	scanner.Add("other")
	assert.Equal(t, 2, scanner.Pending())
	scanner.Stop()
}

func TestSubtreeScannerStop(t *testing.T) {
	setupFs(t, mockFile{path: "/src/dir/a"})
	table, _ := newTestTable()
	scanner := NewSubtreeScanner("/src", nil, table)

	scanner.Add("dir")
	scanner.Stop()
	assert.Zero(t, scanner.Pending())

	// Requests after Stop are dropped, and Start is a no-op.
	scanner.Add("dir")
	scanner.Start()
	assert.Zero(t, scanner.Pending())
	assert.Zero(t, table.Len())
}
