package sync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/livesync/pkg/match"
)

func newTestTable(masks ...string) (*Table, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testModTime)
	return NewTable(clock, match.MustCompile(masks...)), clock
}

func changes(batch []Pending) (changes []Change) {
	for _, p := range batch {
		changes = append(changes, p.Change)
	}
	return changes
}

func has(table *Table, path string) bool {
	_, ok := table.Get(path)
	return ok
}

func TestTableCoalesces(t *testing.T) {
	table, clock := newTestTable()

	var seen []Pending
	for i := 0; i < 5; i++ {
		table.Changed("file")
		p, ok := table.Get("file")
		require.True(t, ok)
		seen = append(seen, p)
	}
	assert.Equal(t, 1, table.Len())

	for _, p := range seen[:len(seen)-1] {
		assert.False(t, table.Complete(p))
	}
	current, _ := table.Get("file")
	assert.Equal(t, seen[len(seen)-1], current)

	clock.Advance(DefaultReadyDelay)
	batch, _ := table.Ready()
	require.Len(t, batch, 1)
	assert.True(t, table.Complete(batch[0]))
	assert.Zero(t, table.Len())
}

func TestTableReadyDelay(t *testing.T) {
	table, clock := newTestTable()
	table.Changed("created")

	batch, next := table.Ready()
	assert.Empty(t, batch)
	assert.Equal(t, clock.Now().Add(DefaultReadyDelay), next)

	// A quick edit pushes the deadline back.
	clock.Advance(DefaultReadyDelay / 2)
	table.Changed("created")
	clock.Advance(DefaultReadyDelay / 2)
	batch, next = table.Ready()
	assert.Empty(t, batch)
	assert.Equal(t, clock.Now().Add(DefaultReadyDelay/2), next)

	clock.Advance(DefaultReadyDelay / 2)
	batch, next = table.Ready()
	assert.Equal(t, []Change{{Kind: KindChange, Path: "created"}}, changes(batch))
	assert.True(t, next.IsZero())
}

func TestTableRemovalsAreImmediate(t *testing.T) {
	table, _ := newTestTable()
	table.Removed("/gone/")

	batch, _ := table.Ready()
	assert.Equal(t, []Change{{Kind: KindRemove, Path: "gone"}}, changes(batch))
}

func TestTableExcludes(t *testing.T) {
	table, _ := newTestTable("*.tmp", "/build")
	table.Changed("a.tmp")
	table.Changed("build/out")
	table.Removed("dir/b.tmp")
	table.Changed("")
	assert.Zero(t, table.Len())

	table.Changed("src/build/out")
	assert.True(t, has(table, "src/build/out"))
}

func TestTableRenamed(t *testing.T) {
	tests := []struct {
		name       string
		masks      []string
		setup      func(*Table)
		old, new   string
		exp        map[string]Change
		expRescans []string
	}{
		{
			name: "Plain",
			old:  "a",
			new:  "b",
			exp: map[string]Change{
				"b": {Kind: KindRename, Path: "b", OldPath: "a"},
			},
		},
		{
			name:  "OldHasPendingChange",
			setup: func(table *Table) { table.Changed("a") },
			old:   "a",
			new:   "b",
			exp: map[string]Change{
				"a": {Kind: KindRemove, Path: "a"},
				"b": {Kind: KindChange, Path: "b", Rescan: true},
			},
			expRescans: []string{"b"},
		},
		{
			name:  "OldHasPendingRemove",
			setup: func(table *Table) { table.Removed("a") },
			old:   "a",
			new:   "b",
			exp: map[string]Change{
				"b": {Kind: KindRename, Path: "b", OldPath: "a"},
			},
		},
		{
			name:  "NewExcluded",
			masks: []string{"*.tmp"},
			old:   "a",
			new:   "a.tmp",
			exp: map[string]Change{
				"a": {Kind: KindRemove, Path: "a"},
			},
		},
		{
			name:  "OldExcluded",
			masks: []string{"*.tmp"},
			old:   "a.tmp",
			new:   "a",
			exp: map[string]Change{
				"a": {Kind: KindChange, Path: "a", Rescan: true},
			},
			expRescans: []string{"a"},
		},
		{
			name:  "BothExcluded",
			masks: []string{"*.tmp"},
			old:   "a.tmp",
			new:   "b.tmp",
			exp:   map[string]Change{},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			table, _ := newTestTable(test.masks...)
			if test.setup != nil {
				test.setup(table)
			}

			var rescans []string
			table.OnRescan(func(path string) {
				rescans = append(rescans, path)
			})
			table.Renamed(test.old, test.new)

			got := map[string]Change{}
			for path := range test.exp {
				p, ok := table.Get(path)
				if assert.True(t, ok, path) {
					got[path] = p.Change
				}
			}
			assert.Equal(t, test.exp, got)
			assert.Equal(t, len(test.exp), table.Len())
			assert.Equal(t, test.expRescans, rescans)
		})
	}
}

func TestTableSupersededRenameRemovesOldPath(t *testing.T) {
	table, _ := newTestTable()
	table.Renamed("old", "new")
	table.Changed("new")

	p, ok := table.Get("old")
	require.True(t, ok)
	assert.Equal(t, Change{Kind: KindRemove, Path: "old"}, p.Change)

	p, ok = table.Get("new")
	require.True(t, ok)
	assert.Equal(t, KindChange, p.Kind)
}

func TestTableReadyOrdersRenamesFirst(t *testing.T) {
	table, clock := newTestTable()
	table.Changed("a")
	table.Removed("c")
	table.Renamed("x", "z")
	table.Changed("a/b")
	clock.Advance(time.Second)

	batch, _ := table.Ready()
	assert.Equal(t, []Change{
		{Kind: KindRename, Path: "z", OldPath: "x"},
		{Kind: KindChange, Path: "a"},
		{Kind: KindChange, Path: "a/b"},
		{Kind: KindRemove, Path: "c"},
	}, changes(batch))
}

func TestTableReadyKeepsRenameOrder(t *testing.T) {
	tests := []struct {
		name    string
		renames [][2]string
		files   map[string]string
		exp     map[string]string
	}{
		{
			name:    "Rotation",
			renames: [][2]string{{"log.1", "log.2"}, {"log", "log.1"}},
			files:   map[string]string{"log": "LOG", "log.1": "ONE"},
			exp:     map[string]string{"log.1": "LOG", "log.2": "ONE"},
		},
		{
			name:    "Independent",
			renames: [][2]string{{"z", "y"}, {"b", "a"}},
			files:   map[string]string{"z": "Z", "b": "B"},
			exp:     map[string]string{"y": "Z", "a": "B"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			table, clock := newTestTable()
			for _, r := range test.renames {
				table.Renamed(r[0], r[1])
			}
			clock.Advance(time.Second)
			batch, _ := table.Ready()

			dst := afero.NewMemMapFs()
			for path, contents := range test.files {
				require.NoError(t, afero.WriteFile(dst, path, []byte(contents), 0644))
			}
			for _, p := range batch {
				if p.Kind != KindRename {
					continue
				}
				require.NoError(t, dst.RemoveAll(p.Path))
				require.NoError(t, dst.Rename(p.OldPath, p.Path))
			}

			for path, contents := range test.exp {
				actual, err := afero.ReadFile(dst, path)
				require.NoError(t, err, path)
				assert.Equal(t, contents, string(actual), path)
			}
		})
	}
}

func TestTableWake(t *testing.T) {
	table, _ := newTestTable()
	table.Changed("a")
	table.Changed("b")

	select {
	case <-table.Wake():
	default:
		t.Fatal("expected a wakeup")
	}

	select {
	case <-table.Wake():
		t.Fatal("wakeups should be coalesced")
	default:
	}
}

func TestTablePutIfAbsent(t *testing.T) {
	table, _ := newTestTable()
	table.Changed("a")

	assert.False(t, table.PutIfAbsent(Change{Kind: KindRemove, Path: "a"}))
	p, _ := table.Get("a")
	assert.Equal(t, KindChange, p.Kind)

	assert.True(t, table.PutIfAbsent(Change{Kind: KindRemove, Path: "b"}))
}
