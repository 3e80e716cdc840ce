package tasks

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/queue"
	"github.com/pcrdb/pcrdb/pkg/store"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

func TestBuildClanQueryList(t *testing.T) {
	march := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	january := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	july := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)

	t.Run("empty history bootstraps a fixed range", func(t *testing.T) {
		got := buildClanQueryList(nil, march, defaultNewClanAdd)
		require.Len(t, got, bootstrapMaxClan)
		assert.Equal(t, int64(1), got[0])
		assert.Equal(t, int64(bootstrapMaxClan), got[len(got)-1])
	})

	t.Run("incremental month unions active with probe window", func(t *testing.T) {
		got := buildClanQueryList([]int64{10, 400, 200}, march, 5)
		assert.ElementsMatch(t,
			[]int64{10, 400, 200, 401, 402, 403, 404, 405}, got)
	})

	t.Run("january full-scans past the max active id", func(t *testing.T) {
		got := buildClanQueryList([]int64{10, 400}, january, 100)
		require.Len(t, got, 400+fullScanPad)
		assert.Equal(t, int64(1), got[0])
		assert.Equal(t, int64(400+fullScanPad), got[len(got)-1])
	})

	t.Run("july full-scans too", func(t *testing.T) {
		got := buildClanQueryList([]int64{50}, july, 100)
		assert.Len(t, got, 50+fullScanPad)
	})
}

func TestProcessClan(t *testing.T) {
	t.Run("live clan", func(t *testing.T) {
		out := processClan(7, map[string]interface{}{
			"clan": map[string]interface{}{
				"detail": map[string]interface{}{"clan_id": int64(7), "clan_name": "x"},
			},
		})
		require.Equal(t, queue.OutcomeOk, out.Kind)
		assert.Equal(t, int64(7), out.Record.(clanRecord).clanID)
		assert.False(t, out.Record.(clanRecord).disbanded)
	})

	t.Run("disbanded clan becomes an exist=false record keyed by query id", func(t *testing.T) {
		out := processClan(42, map[string]interface{}{
			"server_error": map[string]interface{}{"message": "错误：此行会已解散。"},
		})
		require.Equal(t, queue.OutcomeOk, out.Kind)
		rec := out.Record.(clanRecord)
		assert.True(t, rec.disbanded)
		assert.Equal(t, int64(42), rec.clanID)
	})

	t.Run("connection interrupted is retryable", func(t *testing.T) {
		out := processClan(1, map[string]interface{}{
			"server_error": map[string]interface{}{"message": "连接中断，请重试"},
		})
		assert.Equal(t, queue.OutcomeRetry, out.Kind)
	})

	t.Run("empty response is retryable", func(t *testing.T) {
		assert.Equal(t, queue.OutcomeRetry, processClan(1, map[string]interface{}{}).Kind)
	})
}

func TestClanRows(t *testing.T) {
	loginTS := int64(1756000000)
	records := []interface{}{
		clanRecord{
			clanID: 3,
			clan: map[string]interface{}{
				"detail": map[string]interface{}{
					"clan_id": int64(3), "clan_name": "alpha",
					"leader_viewer_id": int64(1000000000001), "leader_name": "lead",
					"member_num": int64(2), "current_period_ranking": int64(12),
					"grade_rank": int64(1), "description": "d",
				},
				"members": []interface{}{
					map[string]interface{}{
						"viewer_id": int64(1000000000001), "name": "lead",
						"level": int64(200), "role": int64(40),
						"total_power": int64(9999999), "last_login_time": loginTS,
					},
					map[string]interface{}{
						"viewer_id": int64(1000000000002), "name": "m2",
						"level": int64(150), "role": int64(30),
						"total_power": int64(5000000), "last_login_time": int64(0),
					},
				},
			},
		},
		clanRecord{clanID: 9, disbanded: true},
	}

	clans, members := clanRows(records)
	require.Len(t, clans, 2)
	require.Len(t, members, 2)

	assert.Equal(t, "alpha", clans[0].ClanName)
	assert.True(t, clans[0].Exist)
	assert.Equal(t, int64(9), clans[1].ClanID)
	assert.False(t, clans[1].Exist)

	require.NotNil(t, members[0].LastLoginTime)
	assert.Equal(t, time.Unix(loginTS, 0), *members[0].LastLoginTime)
	assert.Nil(t, members[1].LastLoginTime, "zero login timestamp maps to null")
	assert.Equal(t, int64(3), members[0].JoinClanID)
	assert.Equal(t, "alpha", members[0].JoinClanName)
}

func TestProcessProfile(t *testing.T) {
	resp := map[string]interface{}{
		"user_info": map[string]interface{}{
			"viewer_id": int64(1000000000042), "user_name": "p",
			"team_level": int64(210), "unit_num": int64(120),
			"total_power": int64(12345678),
			"arena_rank":  int64(3), "arena_group": int64(8),
			"grand_arena_rank": int64(7), "grand_arena_group": int64(4),
			"user_comment":                   "hi",
			"princess_knight_rank_total_exp": int64(777),
		},
		"favorite_unit": map[string]interface{}{"id": int64(100701)},
		"quest_info": map[string]interface{}{
			"talent_quest": []interface{}{
				map[string]interface{}{"clear_count": int64(5)},
				map[string]interface{}{"clear_count": int64(3)},
				map[string]interface{}{"clear_count": int64(0)},
			},
		},
	}

	out := processProfile(0, resp)
	require.Equal(t, queue.OutcomeOk, out.Kind)
	row := out.Record.(store.PlayerProfileSnapshot)

	assert.Equal(t, int64(1000000000042), row.ViewerID)
	assert.Equal(t, int64(100701), row.FavoriteUnit)
	assert.Equal(t, int64(777), row.PrincessExp)
	assert.Equal(t, [5]int{5, 3, 0, 0, 0}, row.TalentQuestClear)

	assert.Equal(t, queue.OutcomeRetry,
		processProfile(0, map[string]interface{}{}).Kind, "missing user_info is transient")
}

func TestGrandRows(t *testing.T) {
	rows := grandRows([]interface{}{
		map[string]interface{}{
			"viewer_id": int64(1000000000001), "user_name": "a",
			"team_level": int64(200), "rank": int64(1),
			"winning_number": int64(15),
			"favorite_unit":  map[string]interface{}{"id": int64(100101)},
		},
	}, 6)
	require.Len(t, rows, 1)
	assert.Equal(t, 6, rows[0].GrandArenaGroup)
	assert.Equal(t, 1, rows[0].GrandArenaRank)
	assert.Equal(t, 15, rows[0].WinningNumber)
	assert.Equal(t, int64(100101), rows[0].FavoriteUnit)
}

func TestDeckRows(t *testing.T) {
	entries := []interface{}{
		// NPC filler row, must be dropped.
		map[string]interface{}{"viewer_id": int64(999), "rank": int64(1)},
		map[string]interface{}{
			"viewer_id": int64(1000000000002), "team_level": int64(199), "rank": int64(2),
			"arena_deck": []interface{}{
				map[string]interface{}{
					"id": int64(100701), "unit_rarity": int64(6),
					"unit_level": int64(199), "power": int64(40000),
				},
				map[string]interface{}{
					"id": int64(100201), "unit_rarity": int64(5),
					"unit_level": int64(198), "power": int64(35000),
				},
			},
		},
	}

	rows := deckRows(entries, 11)
	require.Len(t, rows, 1)
	assert.Equal(t, 11, rows[0].ArenaGroup)
	require.Len(t, rows[0].Deck, 2)
	assert.Equal(t, store.DeckUnit{ID: 100701, Rarity: 6, Level: 199, Power: 40000}, rows[0].Deck[0])
}

func TestArgs(t *testing.T) {
	a := Args{"n": 5, "s": "mode-x", "numstr": "12"}
	assert.Equal(t, 5, a.Int("n", 0))
	assert.Equal(t, 12, a.Int("numstr", 0))
	assert.Equal(t, 9, a.Int("missing", 9))
	assert.Equal(t, "mode-x", a.String("s", ""))
	assert.Equal(t, "d", a.String("missing", "d"))
}

func TestRegistry(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "clan_sync")
	assert.Contains(t, names, "player_profile_sync")
	assert.Contains(t, names, "player_profile_sync_monthly")
	assert.Contains(t, names, "grand_sync")
	assert.Contains(t, names, "arena_deck_sync")
	assert.Contains(t, names, "accounts_bind")
	assert.True(t, Known("clan_sync"))
	assert.False(t, Known("nope"))
}
