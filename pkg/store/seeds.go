package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Seed queries feed the crawl pipelines. They all read from the most
// recent observation window rather than a "current state" table, so a
// member who left a clan yesterday still counts as seen.

// MemberInfo carries the clan a member was last seen in, used to
// backfill clan context on profile snapshots.
type MemberInfo struct {
	JoinClanID   int64
	JoinClanName string
}

// MaxClanID returns the highest clan id ever observed, 0 when the
// table is empty.
func (s *Store) MaxClanID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(clan_id), 0) FROM clan_snapshots").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max clan id: %w", err)
	}
	return id, nil
}

// ActiveClanIDs returns clans whose members logged in after the most
// recent collection round minus 30 days. A clan with no member login
// since then is dormant and skipped on incremental rounds.
func (s *Store) ActiveClanIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT join_clan_id
		FROM player_clan_snapshots
		WHERE join_clan_id IS NOT NULL
		GROUP BY join_clan_id
		HAVING MAX(last_login_time) >
		       (SELECT MAX(collected_at) FROM player_clan_snapshots) - INTERVAL '30 days'
		ORDER BY join_clan_id`)
	if err != nil {
		return nil, fmt.Errorf("active clan ids: %w", err)
	}
	return scanIDs(rows)
}

// clanRank is a clan's latest observed ranking fields.
type clanRank struct {
	clanID               int64
	currentPeriodRanking int
	gradeRank            int
}

// TopClanIDs returns the clans ranked within the top n by the latest
// observed current_period_ranking, considering only clans seen in the
// last 30 days. When no clan lands in that window (between clan-battle
// periods the ranking reads 0 for everyone) the selection falls back to
// grade rank 1 through 3.
func (s *Store) TopClanIDs(ctx context.Context, n int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (clan_id)
		       clan_id, current_period_ranking, grade_rank
		FROM clan_snapshots
		WHERE exist
		  AND collected_at > NOW() - INTERVAL '30 days'
		ORDER BY clan_id, collected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("top clan ids: %w", err)
	}
	defer rows.Close()

	var ranks []clanRank
	for rows.Next() {
		var r clanRank
		if err := rows.Scan(&r.clanID, &r.currentPeriodRanking, &r.gradeRank); err != nil {
			return nil, err
		}
		ranks = append(ranks, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return selectTopClans(ranks, n), nil
}

// selectTopClans prefers clans ranked within the current period's top
// n; when that set is empty it falls back to grade rank 1-3. A nonzero
// ranking somewhere does not count as a hit if every ranked clan sits
// below n.
func selectTopClans(ranks []clanRank, n int) []int64 {
	var out []int64
	for _, r := range ranks {
		if r.currentPeriodRanking > 0 && r.currentPeriodRanking <= n {
			out = append(out, r.clanID)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, r := range ranks {
		if r.gradeRank > 0 && r.gradeRank <= 3 {
			out = append(out, r.clanID)
		}
	}
	return out
}

// ClanMembersSince returns, for each member observed in any of the
// given clans within the last 30 days, the clan they were most
// recently seen in. The map lets the profile pipeline stamp clan
// context onto profile rows.
func (s *Store) ClanMembersSince(ctx context.Context, clanIDs []int64) (map[int64]MemberInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (viewer_id)
		       viewer_id, join_clan_id, COALESCE(join_clan_name, '')
		FROM player_clan_snapshots
		WHERE join_clan_id = ANY($1)
		  AND collected_at > NOW() - INTERVAL '30 days'
		ORDER BY viewer_id, collected_at DESC`, clanIDs)
	if err != nil {
		return nil, fmt.Errorf("clan members: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]MemberInfo)
	for rows.Next() {
		var viewerID int64
		var info MemberInfo
		if err := rows.Scan(&viewerID, &info.JoinClanID, &info.JoinClanName); err != nil {
			return nil, err
		}
		out[viewerID] = info
	}
	return out, rows.Err()
}

// ActiveHighPowerMembers returns every player whose latest member
// observation shows total power above the threshold and a login within
// the last 30 days, again with their last seen clan.
func (s *Store) ActiveHighPowerMembers(ctx context.Context, minPower int64) (map[int64]MemberInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT viewer_id, COALESCE(join_clan_id, 0), COALESCE(join_clan_name, '')
		FROM (
		    SELECT DISTINCT ON (viewer_id)
		           viewer_id, join_clan_id, join_clan_name, total_power, last_login_time
		    FROM player_clan_snapshots
		    ORDER BY viewer_id, collected_at DESC
		) latest
		WHERE total_power > $1
		  AND last_login_time > NOW() - INTERVAL '30 days'`, minPower)
	if err != nil {
		return nil, fmt.Errorf("active high power members: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]MemberInfo)
	for rows.Next() {
		var viewerID int64
		var info MemberInfo
		if err := rows.Scan(&viewerID, &info.JoinClanID, &info.JoinClanName); err != nil {
			return nil, err
		}
		out[viewerID] = info
	}
	return out, rows.Err()
}

// LatestCollectedAt returns the newest collected_at in a snapshot
// table, or the zero time when empty.
func (s *Store) LatestCollectedAt(ctx context.Context, table string) (time.Time, error) {
	if !knownTables[table] {
		return time.Time{}, fmt.Errorf("unknown table %q", table)
	}
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(collected_at) FROM "+table).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest collected_at for %s: %w", table, err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
