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

// grandPages covers the top 200 of each group at 20 rows per page.
const grandPages = 10

func init() {
	register(Definition{
		Name:   "grand_sync",
		Tables: []string{"grand_arena_snapshots"},
		Run:    runGrandSync,
	})
}

// grandRows parses one ranking page, tagging every row with the group
// the scraping account lives in.
func grandRows(entries []interface{}, group int) []store.GrandArenaSnapshot {
	rows := make([]store.GrandArenaSnapshot, 0, len(entries))
	for _, e := range entries {
		user := codec.AsMap(e)
		rows = append(rows, store.GrandArenaSnapshot{
			ViewerID:        codec.AsInt64(user["viewer_id"]),
			UserName:        codec.AsString(user["user_name"]),
			TeamLevel:       codec.AsInt(user["team_level"]),
			GrandArenaRank:  codec.AsInt(user["rank"]),
			GrandArenaGroup: group,
			WinningNumber:   codec.AsInt(user["winning_number"]),
			FavoriteUnit:    codec.AsInt64(codec.AsMap(user["favorite_unit"])["id"]),
		})
	}
	return rows
}

func runGrandSync(ctx context.Context, env *Env, rec *store.TaskRecorder, _ Args) error {
	collectedAt := time.Now()
	var fetched atomic.Int64

	groups, err := forEachGroup(ctx, env, store.GroupGrandArena, func(ctx context.Context, c *client.Client, group int) error {
		var rows []store.GrandArenaSnapshot
		for page := 1; page <= grandPages; page++ {
			resp, err := c.GrandArenaRanking(ctx, page)
			if err != nil {
				// A lost page costs 20 rows, not the group.
				l := log.WithTask("grand_sync")
				l.Warn().Err(err).
					Int("group", group).Int("page", page).Msg("page skipped")
				continue
			}
			rows = append(rows, grandRows(codec.AsSlice(resp["ranking"]), group)...)
		}
		fetched.Add(int64(len(rows)))
		return env.Store.InsertGrandArenaSnapshots(ctx, rows, collectedAt)
	})

	rec.Expected = int64(groups) * grandPages * client.RankingPageSize
	rec.Fetched = fetched.Load()
	return err
}
