package store

import (
	"context"
	"fmt"
	"time"
)

// Analytical reads for the query API. These mirror the notebooks the
// snapshot tables were designed for: everything is a walk over
// (id, collected_at) history, never a point lookup of "current state".

// ClanHistoryPoint is one observation in a clan's timeline.
type ClanHistoryPoint struct {
	CollectedAt          time.Time `json:"collected_at"`
	ClanName             string    `json:"clan_name"`
	MemberNum            int       `json:"member_num"`
	CurrentPeriodRanking int       `json:"current_period_ranking"`
	GradeRank            int       `json:"grade_rank"`
	Exist                bool      `json:"exist"`
}

// ClanHistory returns a clan's observations, oldest first.
func (s *Store) ClanHistory(ctx context.Context, clanID int64, limit int) ([]ClanHistoryPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT collected_at, clan_name, member_num, current_period_ranking, grade_rank, exist
		FROM clan_snapshots
		WHERE clan_id = $1
		ORDER BY collected_at DESC
		LIMIT $2`, clanID, limit)
	if err != nil {
		return nil, fmt.Errorf("clan history: %w", err)
	}
	defer rows.Close()

	var out []ClanHistoryPoint
	for rows.Next() {
		var p ClanHistoryPoint
		if err := rows.Scan(&p.CollectedAt, &p.ClanName, &p.MemberNum,
			&p.CurrentPeriodRanking, &p.GradeRank, &p.Exist); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse so the API serves oldest-first timelines.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClanPowerRow is one clan in the aggregate power ranking.
type ClanPowerRow struct {
	ClanID     int64  `json:"clan_id"`
	ClanName   string `json:"clan_name"`
	MemberNum  int    `json:"member_num"`
	TotalPower int64  `json:"total_power"`
	AvgPower   int64  `json:"avg_power"`
}

// ClanPowerRanking ranks clans by the summed latest power of their
// members seen in the last 30 days.
func (s *Store) ClanPowerRanking(ctx context.Context, limit int) ([]ClanPowerRow, error) {
	rows, err := s.pool.Query(ctx, `
		WITH latest_member AS (
		    SELECT DISTINCT ON (viewer_id)
		           viewer_id, join_clan_id, total_power
		    FROM player_clan_snapshots
		    WHERE join_clan_id IS NOT NULL
		      AND collected_at > NOW() - INTERVAL '30 days'
		    ORDER BY viewer_id, collected_at DESC
		), latest_clan AS (
		    SELECT DISTINCT ON (clan_id) clan_id, clan_name
		    FROM clan_snapshots
		    WHERE exist
		    ORDER BY clan_id, collected_at DESC
		)
		SELECT m.join_clan_id, COALESCE(c.clan_name, ''),
		       COUNT(*), SUM(m.total_power), (SUM(m.total_power) / COUNT(*))::bigint
		FROM latest_member m
		LEFT JOIN latest_clan c ON c.clan_id = m.join_clan_id
		GROUP BY m.join_clan_id, c.clan_name
		ORDER BY SUM(m.total_power) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("clan power ranking: %w", err)
	}
	defer rows.Close()

	var out []ClanPowerRow
	for rows.Next() {
		var r ClanPowerRow
		if err := rows.Scan(&r.ClanID, &r.ClanName, &r.MemberNum, &r.TotalPower, &r.AvgPower); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClanMemberRow is one member in a clan's latest observed roster.
type ClanMemberRow struct {
	ViewerID      int64      `json:"viewer_id"`
	Name          string     `json:"name"`
	Level         int        `json:"level"`
	Role          int        `json:"role"`
	TotalPower    int64      `json:"total_power"`
	LastLoginTime *time.Time `json:"last_login_time,omitempty"`
}

// ClanMembers returns the players whose latest observation within 30
// days places them in the given clan, strongest first.
func (s *Store) ClanMembers(ctx context.Context, clanID int64) ([]ClanMemberRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT viewer_id, name, level, role, total_power, last_login_time
		FROM (
		    SELECT DISTINCT ON (viewer_id)
		           viewer_id, name, level, role, total_power, last_login_time, join_clan_id
		    FROM player_clan_snapshots
		    WHERE collected_at > NOW() - INTERVAL '30 days'
		    ORDER BY viewer_id, collected_at DESC
		) latest
		WHERE join_clan_id = $1
		ORDER BY total_power DESC`, clanID)
	if err != nil {
		return nil, fmt.Errorf("clan members: %w", err)
	}
	defer rows.Close()

	var out []ClanMemberRow
	for rows.Next() {
		var m ClanMemberRow
		if err := rows.Scan(&m.ViewerID, &m.Name, &m.Level, &m.Role, &m.TotalPower, &m.LastLoginTime); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GrandWinRow is one player in the grand-arena winning-streak ranking.
type GrandWinRow struct {
	ViewerID      int64  `json:"viewer_id"`
	UserName      string `json:"user_name"`
	Group         int    `json:"group"`
	Rank          int    `json:"rank"`
	WinningNumber int    `json:"winning_number"`
}

// GrandWinningRanking returns the latest grand-arena observation per
// player ordered by consecutive wins.
func (s *Store) GrandWinningRanking(ctx context.Context, limit int) ([]GrandWinRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT viewer_id, user_name, grand_arena_group, grand_arena_rank, winning_number
		FROM (
		    SELECT DISTINCT ON (viewer_id)
		           viewer_id, user_name, grand_arena_group, grand_arena_rank, winning_number
		    FROM grand_arena_snapshots
		    ORDER BY viewer_id, collected_at DESC
		) latest
		ORDER BY winning_number DESC, grand_arena_rank
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("grand winning ranking: %w", err)
	}
	defer rows.Close()

	var out []GrandWinRow
	for rows.Next() {
		var r GrandWinRow
		if err := rows.Scan(&r.ViewerID, &r.UserName, &r.Group, &r.Rank, &r.WinningNumber); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PlayerClanMove is one clan-membership observation for a player.
type PlayerClanMove struct {
	CollectedAt  time.Time `json:"collected_at"`
	JoinClanID   int64     `json:"join_clan_id"`
	JoinClanName string    `json:"join_clan_name"`
	TotalPower   int64     `json:"total_power"`
}

// PlayerClanHistory returns a player's clan membership over time,
// collapsed to the rows where the clan actually changed.
func (s *Store) PlayerClanHistory(ctx context.Context, viewerID int64) ([]PlayerClanMove, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT collected_at, join_clan_id, join_clan_name, total_power
		FROM (
		    SELECT collected_at, COALESCE(join_clan_id, 0) AS join_clan_id,
		           COALESCE(join_clan_name, '') AS join_clan_name, total_power,
		           LAG(join_clan_id) OVER (ORDER BY collected_at) AS prev_clan
		    FROM player_clan_snapshots
		    WHERE viewer_id = $1
		) t
		WHERE prev_clan IS DISTINCT FROM join_clan_id OR prev_clan IS NULL
		ORDER BY collected_at`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("player clan history: %w", err)
	}
	defer rows.Close()

	var out []PlayerClanMove
	for rows.Next() {
		var m PlayerClanMove
		if err := rows.Scan(&m.CollectedAt, &m.JoinClanID, &m.JoinClanName, &m.TotalPower); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TalentStat is the clear-count distribution for one talent track.
type TalentStat struct {
	Track   int   `json:"track"`
	Players int64 `json:"players"`
	Cleared int64 `json:"cleared"`
}

// TalentQuestStats aggregates, over each player's latest profile, how
// many of them cleared any stage of each of the five talent tracks.
func (s *Store) TalentQuestStats(ctx context.Context) ([]TalentStat, error) {
	rows, err := s.pool.Query(ctx, `
		WITH latest AS (
		    SELECT DISTINCT ON (viewer_id) viewer_id, talent_quest_clear
		    FROM player_profile_snapshots
		    WHERE talent_quest_clear IS NOT NULL
		    ORDER BY viewer_id, collected_at DESC
		)
		SELECT track.idx, COUNT(*),
		       COUNT(*) FILTER (WHERE (talent_quest_clear ->> (track.idx - 1))::int > 0)
		FROM latest, generate_series(1, 5) AS track(idx)
		GROUP BY track.idx
		ORDER BY track.idx`)
	if err != nil {
		return nil, fmt.Errorf("talent quest stats: %w", err)
	}
	defer rows.Close()

	var out []TalentStat
	for rows.Next() {
		var t TalentStat
		if err := rows.Scan(&t.Track, &t.Players, &t.Cleared); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
