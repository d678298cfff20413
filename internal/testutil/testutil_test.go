package testutil

import (
	"testing"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/replication"
	"github.com/INLOpen/nexusstate/statetable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoakEnabled(t *testing.T) {
	testCases := []struct {
		value string
		want  bool
		scale int
	}{
		{"", false, 3},
		{"true", true, 300},
		{" 1 ", true, 300},
		{"nope", false, 3},
	}
	for _, tc := range testCases {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("NEXUSSTATE_SOAK", tc.value)
			assert.Equal(t, tc.want, SoakEnabled())
			assert.Equal(t, tc.scale, Scale(3))
		})
	}
}

func TestShuffled(t *testing.T) {
	a := Shuffled(7, 1, 50)
	assert.Equal(t, a, Shuffled(7, 1, 50), "same seed, same order")
	assert.ElementsMatch(t, Shuffled(8, 1, 50), a)
	require.Len(t, a, 50)
}

func TestShuffledCommitsReachWatermark(t *testing.T) {
	tbl := NewTable(t, statetable.Options{})
	entities := replication.ForType(core.TypeEntityState)
	for seq := int64(1); seq <= 20; seq++ {
		require.NoError(t, tbl.PrepareUpdate(entities.Update(seq, "k", []byte{byte(seq)})))
	}
	for _, seq := range Shuffled(3, 1, 20) {
		require.NoError(t, tbl.CommitUpdate(seq))
	}
	assert.Equal(t, int64(20), tbl.CommittedSequence())

	recs := Snapshot(t, tbl, core.SequenceMax)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte{20}, recs[0].Value)
}
