package tasks

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pcrdb/pcrdb/pkg/codec"
	"github.com/pcrdb/pcrdb/pkg/queue"
	"github.com/pcrdb/pcrdb/pkg/store"
)

// Upstream error markers, matched by substring against
// server_error.message.
const (
	disbandedMarker = "此行会已解散"
	retryMarker     = "连接中断"
)

const (
	// bootstrapMaxClan is the scan ceiling for an empty database.
	bootstrapMaxClan = 5000
	// fullScanPad extends a full scan past the highest known id.
	fullScanPad = 500
	// defaultNewClanAdd is the incremental probe width for new clans.
	defaultNewClanAdd = 100
	// membersPerClan estimates expected rows per clan: one clan row
	// plus a full roster.
	membersPerClan = 31
)

func init() {
	register(Definition{
		Name:   "clan_sync",
		Tables: []string{"clan_snapshots", "player_clan_snapshots"},
		Run:    runClanSync,
	})
}

// buildClanQueryList derives the clan ids to crawl. January and July
// runs rescan everything up to the highest active id plus a pad; other
// months crawl the active set plus a probe window for freshly created
// clans. An empty history bootstraps with a fixed range.
func buildClanQueryList(active []int64, now time.Time, newClanAdd int) []int64 {
	if len(active) == 0 {
		return idRange(1, bootstrapMaxClan)
	}

	maxID := active[0]
	for _, id := range active {
		if id > maxID {
			maxID = id
		}
	}

	if now.Month() == time.January || now.Month() == time.July {
		return idRange(1, maxID+fullScanPad)
	}
	return append(append([]int64{}, active...), idRange(maxID+1, maxID+int64(newClanAdd))...)
}

func idRange(from, to int64) []int64 {
	if to < from {
		return nil
	}
	out := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

// clanRecord is the processor's output: either a live clan payload or
// a disbanded marker carrying only the queried id.
type clanRecord struct {
	clanID    int64
	clan      map[string]interface{}
	disbanded bool
}

// processClan classifies one clan response. A disbanded clan is usable
// data — it becomes an exist=false snapshot keyed by the queried id,
// which the response body does not echo.
func processClan(queryID int64, resp map[string]interface{}) queue.Outcome {
	if clan := codec.AsMap(resp["clan"]); len(clan) > 0 {
		detail := codec.AsMap(clan["detail"])
		return queue.Ok(clanRecord{
			clanID: codec.AsInt64(detail["clan_id"]),
			clan:   clan,
		})
	}
	if msg, ok := serverErrorMessage(resp); ok {
		if strings.Contains(msg, disbandedMarker) {
			return queue.Ok(clanRecord{clanID: queryID, disbanded: true})
		}
		if strings.Contains(msg, retryMarker) {
			return queue.Retry()
		}
	}
	return queue.Retry()
}

// clanRows flattens processed records into snapshot rows.
func clanRows(records []interface{}) ([]store.ClanSnapshot, []store.PlayerClanSnapshot) {
	var clans []store.ClanSnapshot
	var members []store.PlayerClanSnapshot

	for _, r := range records {
		rec, ok := r.(clanRecord)
		if !ok {
			continue
		}
		if rec.disbanded {
			clans = append(clans, store.ClanSnapshot{ClanID: rec.clanID, Exist: false})
			continue
		}

		detail := codec.AsMap(rec.clan["detail"])
		clanName := codec.AsString(detail["clan_name"])
		clans = append(clans, store.ClanSnapshot{
			ClanID:               rec.clanID,
			ClanName:             clanName,
			LeaderViewerID:       codec.AsInt64(detail["leader_viewer_id"]),
			LeaderName:           codec.AsString(detail["leader_name"]),
			JoinCondition:        codec.AsInt(detail["join_condition"]),
			Activity:             codec.AsInt(detail["activity"]),
			ClanBattleMode:       codec.AsInt(detail["clan_battle_mode"]),
			MemberNum:            codec.AsInt(detail["member_num"]),
			CurrentPeriodRanking: codec.AsInt(detail["current_period_ranking"]),
			GradeRank:            codec.AsInt(detail["grade_rank"]),
			Description:          codec.AsString(detail["description"]),
			Exist:                true,
		})

		for _, m := range codec.AsSlice(rec.clan["members"]) {
			member := codec.AsMap(m)
			row := store.PlayerClanSnapshot{
				ViewerID:     codec.AsInt64(member["viewer_id"]),
				Name:         codec.AsString(member["name"]),
				Level:        codec.AsInt(member["level"]),
				Role:         codec.AsInt(member["role"]),
				TotalPower:   codec.AsInt64(member["total_power"]),
				JoinClanID:   rec.clanID,
				JoinClanName: clanName,
			}
			if ts := codec.AsInt64(member["last_login_time"]); ts > 0 {
				t := time.Unix(ts, 0)
				row.LastLoginTime = &t
			}
			members = append(members, row)
		}
	}
	return clans, members
}

func runClanSync(ctx context.Context, env *Env, rec *store.TaskRecorder, args Args) error {
	newClanAdd := args.Int("new_clan_add", defaultNewClanAdd)

	active, err := env.Store.ActiveClanIDs(ctx)
	if err != nil {
		return err
	}
	seeds := buildClanQueryList(active, time.Now(), newClanAdd)

	rec.Expected = int64(len(seeds)) * membersPerClan
	rec.Details["query_count"] = len(seeds)
	rec.Details["new_clan_add"] = newClanAdd

	accounts, err := env.Store.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}

	// One timestamp for the whole run keeps its rows comparable.
	collectedAt := time.Now()
	var fetched atomic.Int64

	_, err = queue.Run(ctx, queue.Config{
		Name:        "clan_sync",
		Seeds:       seeds,
		Process:     processClan,
		Accounts:    accounts,
		NewFetcher:  env.newFetcher,
		Concurrency: env.Concurrency,
		BatchSize:   env.BatchSize,
		Insert: func(ctx context.Context, records []interface{}) error {
			clans, members := clanRows(records)
			fetched.Add(int64(len(clans) + len(members)))
			if err := env.Store.InsertClanSnapshots(ctx, clans, collectedAt); err != nil {
				return err
			}
			return env.Store.InsertPlayerClanSnapshots(ctx, members, collectedAt)
		},
	})
	rec.Fetched = fetched.Load()
	return err
}
