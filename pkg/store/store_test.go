package store

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pcrdb/pcrdb/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(schema)
	assert.NotEmpty(t, stmts)
	for _, s := range stmts {
		assert.NotEmpty(t, strings.TrimSpace(s))
		assert.False(t, strings.HasSuffix(s, ";"))
	}
	// Every known table has a CREATE TABLE statement.
	for table := range knownTables {
		found := false
		for _, s := range stmts {
			if strings.Contains(s, "CREATE TABLE IF NOT EXISTS "+table) {
				found = true
				break
			}
		}
		assert.True(t, found, "missing DDL for %s", table)
	}
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "CREATE TABLE x (", firstLine("CREATE TABLE x (\n  id INT\n)"))
	assert.Equal(t, "SELECT 1", firstLine("SELECT 1"))
}

func TestGroupAccounts(t *testing.T) {
	accounts := []Account{
		{ID: 1, UID: "a", ArenaGroup: 3, GrandArenaGroup: 0},
		{ID: 2, UID: "b", ArenaGroup: 3, GrandArenaGroup: 7},
		{ID: 3, UID: "c", ArenaGroup: 0, GrandArenaGroup: 7},
		{ID: 4, UID: "d", ArenaGroup: 5, GrandArenaGroup: 2},
	}

	arena := groupAccounts(accounts, GroupArena)
	assert.Len(t, arena, 2)
	assert.Equal(t, "a", arena[3].UID, "first account per group wins")
	assert.Equal(t, "d", arena[5].UID)

	grand := groupAccounts(accounts, GroupGrandArena)
	assert.Len(t, grand, 2)
	assert.Equal(t, "b", grand[7].UID)
	assert.Equal(t, "d", grand[2].UID)
}

func TestSelectTopClans(t *testing.T) {
	ranks := []clanRank{
		{clanID: 10, currentPeriodRanking: 1, gradeRank: 1},
		{clanID: 11, currentPeriodRanking: 25, gradeRank: 2},
		{clanID: 12, currentPeriodRanking: 120, gradeRank: 1},
		{clanID: 13, currentPeriodRanking: 0, gradeRank: 3},
		{clanID: 14, currentPeriodRanking: 0, gradeRank: 8},
	}

	tests := []struct {
		name  string
		ranks []clanRank
		n     int
		want  []int64
	}{
		{
			name:  "ranking branch",
			ranks: ranks,
			n:     30,
			want:  []int64{10, 11},
		},
		{
			name: "all rankings zero falls back to grade rank",
			ranks: []clanRank{
				{clanID: 20, currentPeriodRanking: 0, gradeRank: 1},
				{clanID: 21, currentPeriodRanking: 0, gradeRank: 3},
				{clanID: 22, currentPeriodRanking: 0, gradeRank: 4},
				{clanID: 23, currentPeriodRanking: 0, gradeRank: 0},
			},
			n:    30,
			want: []int64{20, 21},
		},
		{
			name: "ranked clans all below n fall back to grade rank",
			ranks: []clanRank{
				{clanID: 30, currentPeriodRanking: 80, gradeRank: 2},
				{clanID: 31, currentPeriodRanking: 150, gradeRank: 5},
			},
			n:    30,
			want: []int64{30},
		},
		{
			name:  "no clans",
			ranks: nil,
			n:     30,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectTopClans(tt.ranks, tt.n))
		})
	}
}

func TestNullableHelpers(t *testing.T) {
	assert.Nil(t, nullableID(0))
	assert.Equal(t, int64(42), nullableID(42))
	assert.Nil(t, nullableText(""))
	assert.Equal(t, "x", nullableText("x"))
}
