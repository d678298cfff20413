// Package testutil holds helpers shared by tests of packages built on top
// of the state table.
package testutil

import (
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/INLOpen/nexusstate/statetable"
	"github.com/stretchr/testify/require"
)

// SoakEnabled returns true when the environment requests long-running
// variants of concurrency tests. It reads the `NEXUSSTATE_SOAK` environment
// variable and parses it as a boolean. Default is false.
func SoakEnabled() bool {
	v := strings.TrimSpace(os.Getenv("NEXUSSTATE_SOAK"))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// Scale multiplies n by 100 in soak mode.
func Scale(n int) int {
	if SoakEnabled() {
		return n * 100
	}
	return n
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTable creates a table that is closed when the test ends. A nil
// logger in opts is replaced by DiscardLogger.
func NewTable(t testing.TB, opts statetable.Options) *statetable.Table {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = DiscardLogger()
	}
	tbl, err := statetable.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

// Records drains an enumerator.
func Records(e *statetable.Enumerator) []statetable.Record {
	var out []statetable.Record
	e.Range(func(r statetable.Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Snapshot takes a snapshot at bound and drains it.
func Snapshot(t testing.TB, tbl *statetable.Table, bound int64) []statetable.Record {
	t.Helper()
	snap, err := tbl.GetShallowCopiesEnumerator(bound)
	require.NoError(t, err)
	defer snap.Close()
	return Records(snap)
}

// Shuffled returns the sequence numbers from..to in a seeded random order.
func Shuffled(seed int64, from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
