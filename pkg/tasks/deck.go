package tasks

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pcrdb/pcrdb/pkg/client"
	"github.com/pcrdb/pcrdb/pkg/codec"
	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/store"
)

const (
	// deckPages covers the top 40 of each group.
	deckPages = 2
	// npcViewerIDMax: board rows at or below this id are NPC filler.
	npcViewerIDMax = 1_000_000_000
)

func init() {
	register(Definition{
		Name:   "arena_deck_sync",
		Tables: []string{"arena_deck_snapshots"},
		Run:    runArenaDeckSync,
	})
}

// compactDeck reduces a defensive deck to ordered (id, rarity, level,
// power) tuples.
func compactDeck(units []interface{}) []store.DeckUnit {
	deck := make([]store.DeckUnit, 0, len(units))
	for _, u := range units {
		unit := codec.AsMap(u)
		deck = append(deck, store.DeckUnit{
			ID:     codec.AsInt64(unit["id"]),
			Rarity: codec.AsInt(unit["unit_rarity"]),
			Level:  codec.AsInt(unit["unit_level"]),
			Power:  codec.AsInt64(unit["power"]),
		})
	}
	return deck
}

// deckRows parses one solo-arena page, dropping NPC rows.
func deckRows(entries []interface{}, group int) []store.ArenaDeckSnapshot {
	var rows []store.ArenaDeckSnapshot
	for _, e := range entries {
		user := codec.AsMap(e)
		viewerID := codec.AsInt64(user["viewer_id"])
		if viewerID <= npcViewerIDMax {
			continue
		}
		rows = append(rows, store.ArenaDeckSnapshot{
			ViewerID:   viewerID,
			TeamLevel:  codec.AsInt(user["team_level"]),
			ArenaGroup: group,
			ArenaRank:  codec.AsInt(user["rank"]),
			Deck:       compactDeck(codec.AsSlice(user["arena_deck"])),
		})
	}
	return rows
}

func runArenaDeckSync(ctx context.Context, env *Env, rec *store.TaskRecorder, _ Args) error {
	collectedAt := time.Now()
	var fetched atomic.Int64

	groups, err := forEachGroup(ctx, env, store.GroupArena, func(ctx context.Context, c *client.Client, group int) error {
		var rows []store.ArenaDeckSnapshot
		for page := 1; page <= deckPages; page++ {
			resp, err := c.ArenaRanking(ctx, page)
			if err != nil {
				l := log.WithTask("arena_deck_sync")
				l.Warn().Err(err).
					Int("group", group).Int("page", page).Msg("page skipped")
				continue
			}
			rows = append(rows, deckRows(codec.AsSlice(resp["ranking"]), group)...)
		}
		fetched.Add(int64(len(rows)))
		return env.Store.InsertArenaDeckSnapshots(ctx, rows, collectedAt)
	})

	rec.Expected = int64(groups) * deckPages * client.RankingPageSize
	rec.Fetched = fetched.Load()
	return err
}
