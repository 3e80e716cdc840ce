package tasks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pcrdb/pcrdb/pkg/codec"
	"github.com/pcrdb/pcrdb/pkg/queue"
	"github.com/pcrdb/pcrdb/pkg/store"
)

const (
	// defaultRankLimit selects how many top-ranked clans the daily
	// profile crawl expands into members.
	defaultRankLimit = 30
	// minActivePower gates the monthly all-players crawl.
	minActivePower = 1_000_000
)

func init() {
	register(Definition{
		Name:   "player_profile_sync",
		Tables: []string{"player_profile_snapshots"},
		Run:    runProfileSync,
	})
	// The monthly sweep is the same pipeline forced into active_all
	// mode, logged under its own task name.
	register(Definition{
		Name:   "player_profile_sync_monthly",
		Tables: []string{"player_profile_snapshots"},
		Run: func(ctx context.Context, env *Env, rec *store.TaskRecorder, args Args) error {
			forced := Args{"mode": "active_all"}
			for k, v := range args {
				if k != "mode" {
					forced[k] = v
				}
			}
			return runProfileSync(ctx, env, rec, forced)
		},
	})
}

// processProfile parses one get_profile response. Responses without a
// user_info section are treated as transient.
func processProfile(_ int64, resp map[string]interface{}) queue.Outcome {
	user := codec.AsMap(resp["user_info"])
	if len(user) == 0 {
		return queue.Retry()
	}

	row := store.PlayerProfileSnapshot{
		ViewerID:        codec.AsInt64(user["viewer_id"]),
		UserName:        codec.AsString(user["user_name"]),
		TeamLevel:       codec.AsInt(user["team_level"]),
		UnitNum:         codec.AsInt(user["unit_num"]),
		TotalPower:      codec.AsInt64(user["total_power"]),
		ArenaRank:       codec.AsInt(user["arena_rank"]),
		ArenaGroup:      codec.AsInt(user["arena_group"]),
		GrandArenaRank:  codec.AsInt(user["grand_arena_rank"]),
		GrandArenaGroup: codec.AsInt(user["grand_arena_group"]),
		UserComment:     codec.AsString(user["user_comment"]),
		PrincessExp:     codec.AsInt64(user["princess_knight_rank_total_exp"]),
		FavoriteUnit:    codec.AsInt64(codec.AsMap(resp["favorite_unit"])["id"]),
	}

	for i, tq := range codec.AsSlice(codec.AsMap(resp["quest_info"])["talent_quest"]) {
		if i >= len(row.TalentQuestClear) {
			break
		}
		row.TalentQuestClear[i] = codec.AsInt(codec.AsMap(tq)["clear_count"])
	}

	return queue.Ok(row)
}

// profileSeeds resolves the crawl targets for a mode, returning the
// viewer ids and the clan context to stamp onto their rows.
func profileSeeds(ctx context.Context, env *Env, mode string, rankLimit int) ([]int64, map[int64]store.MemberInfo, error) {
	switch mode {
	case "top_clans":
		clans, err := env.Store.TopClanIDs(ctx, rankLimit)
		if err != nil {
			return nil, nil, err
		}
		if len(clans) == 0 {
			return nil, nil, nil
		}
		members, err := env.Store.ClanMembersSince(ctx, clans)
		if err != nil {
			return nil, nil, err
		}
		return memberSeedList(members), members, nil
	case "active_all":
		members, err := env.Store.ActiveHighPowerMembers(ctx, minActivePower)
		if err != nil {
			return nil, nil, err
		}
		return memberSeedList(members), members, nil
	default:
		return nil, nil, fmt.Errorf("unknown profile mode %q", mode)
	}
}

func memberSeedList(members map[int64]store.MemberInfo) []int64 {
	out := make([]int64, 0, len(members))
	for vid := range members {
		out = append(out, vid)
	}
	return out
}

func runProfileSync(ctx context.Context, env *Env, rec *store.TaskRecorder, args Args) error {
	mode := args.String("mode", "top_clans")
	rankLimit := args.Int("rank_limit", defaultRankLimit)

	seeds, memberInfo, err := profileSeeds(ctx, env, mode, rankLimit)
	if err != nil {
		return err
	}
	rec.Expected = int64(len(seeds))
	rec.Details["mode"] = mode
	rec.Details["targets"] = len(seeds)
	if len(seeds) == 0 {
		return nil
	}

	accounts, err := env.Store.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}

	collectedAt := time.Now()
	var fetched atomic.Int64

	_, err = queue.Run(ctx, queue.Config{
		Name:        "player_profile_sync",
		Seeds:       seeds,
		Process:     processProfile,
		Accounts:    accounts,
		NewFetcher:  env.newFetcher,
		Concurrency: env.Concurrency,
		BatchSize:   env.BatchSize,
		Insert: func(ctx context.Context, records []interface{}) error {
			rows := make([]store.PlayerProfileSnapshot, 0, len(records))
			for _, r := range records {
				row, ok := r.(store.PlayerProfileSnapshot)
				if !ok {
					continue
				}
				if info, seen := memberInfo[row.ViewerID]; seen {
					row.JoinClanID = info.JoinClanID
					row.JoinClanName = info.JoinClanName
				}
				rows = append(rows, row)
			}
			fetched.Add(int64(len(rows)))
			return env.Store.InsertPlayerProfileSnapshots(ctx, rows, collectedAt)
		},
	})
	rec.Fetched = fetched.Load()
	return err
}
