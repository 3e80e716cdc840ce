package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ClanSnapshot is one observation of a clan. Exist=false marks a
// disbanded clan; its payload fields stay at their defaults.
type ClanSnapshot struct {
	ClanID               int64
	ClanName             string
	LeaderViewerID       int64
	LeaderName           string
	JoinCondition        int
	Activity             int
	ClanBattleMode       int
	MemberNum            int
	CurrentPeriodRanking int
	GradeRank            int
	Description          string
	Exist                bool
}

// PlayerClanSnapshot is one member row as seen inside a scanned clan.
type PlayerClanSnapshot struct {
	ViewerID      int64
	Name          string
	Level         int
	Role          int
	TotalPower    int64
	JoinClanID    int64
	JoinClanName  string
	LastLoginTime *time.Time
}

// PlayerProfileSnapshot is one full profile observation.
type PlayerProfileSnapshot struct {
	ViewerID         int64
	UserName         string
	TeamLevel        int
	UnitNum          int
	TotalPower       int64
	ArenaRank        int
	ArenaGroup       int
	GrandArenaRank   int
	GrandArenaGroup  int
	FavoriteUnit     int64
	UserComment      string
	JoinClanID       int64
	JoinClanName     string
	PrincessExp      int64
	TalentQuestClear [5]int
}

// GrandArenaSnapshot is one row of a grand-arena board page.
type GrandArenaSnapshot struct {
	ViewerID        int64
	UserName        string
	TeamLevel       int
	GrandArenaRank  int
	GrandArenaGroup int
	WinningNumber   int
	FavoriteUnit    int64
}

// DeckUnit is one defensive deck slot in compact form.
type DeckUnit struct {
	ID     int64 `json:"id"`
	Rarity int   `json:"rarity"`
	Level  int   `json:"level"`
	Power  int64 `json:"power"`
}

// ArenaDeckSnapshot is one row of a solo-arena board page with the
// defensive deck attached.
type ArenaDeckSnapshot struct {
	ViewerID   int64
	TeamLevel  int
	ArenaGroup int
	ArenaRank  int
	Deck       []DeckUnit
}

// sendBatch runs a batch and surfaces the first failure.
func (s *Store) sendBatch(ctx context.Context, b *pgx.Batch, what string) error {
	if b.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

// InsertClanSnapshots appends clan rows, all stamped with collectedAt.
// Replays of the same (clan_id, collected_at) are no-ops.
func (s *Store) InsertClanSnapshots(ctx context.Context, rows []ClanSnapshot, collectedAt time.Time) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(`
			INSERT INTO clan_snapshots
			(clan_id, collected_at, clan_name, leader_viewer_id, leader_name, join_condition,
			 activity, clan_battle_mode, member_num, current_period_ranking, grade_rank, description, exist)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (clan_id, collected_at) DO NOTHING`,
			r.ClanID, collectedAt, r.ClanName, r.LeaderViewerID, r.LeaderName, r.JoinCondition,
			r.Activity, r.ClanBattleMode, r.MemberNum, r.CurrentPeriodRanking, r.GradeRank, r.Description, r.Exist)
	}
	return s.sendBatch(ctx, b, "clan_snapshots")
}

// InsertPlayerClanSnapshots appends member rows from scanned clans.
func (s *Store) InsertPlayerClanSnapshots(ctx context.Context, rows []PlayerClanSnapshot, collectedAt time.Time) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(`
			INSERT INTO player_clan_snapshots
			(viewer_id, collected_at, name, level, role, total_power, join_clan_id, join_clan_name, last_login_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (viewer_id, collected_at) DO NOTHING`,
			r.ViewerID, collectedAt, r.Name, r.Level, r.Role, r.TotalPower,
			nullableID(r.JoinClanID), nullableText(r.JoinClanName), r.LastLoginTime)
	}
	return s.sendBatch(ctx, b, "player_clan_snapshots")
}

// InsertPlayerProfileSnapshots appends profile rows.
func (s *Store) InsertPlayerProfileSnapshots(ctx context.Context, rows []PlayerProfileSnapshot, collectedAt time.Time) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		talent, err := json.Marshal(r.TalentQuestClear)
		if err != nil {
			return fmt.Errorf("marshal talent vector: %w", err)
		}
		b.Queue(`
			INSERT INTO player_profile_snapshots
			(viewer_id, collected_at, user_name, team_level, unit_num, total_power,
			 arena_rank, arena_group, grand_arena_rank, grand_arena_group,
			 favorite_unit, user_comment, join_clan_id, join_clan_name,
			 princess_knight_rank_total_exp, talent_quest_clear)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb)
			ON CONFLICT (viewer_id, collected_at) DO NOTHING`,
			r.ViewerID, collectedAt, r.UserName, r.TeamLevel, r.UnitNum, r.TotalPower,
			r.ArenaRank, r.ArenaGroup, r.GrandArenaRank, r.GrandArenaGroup,
			r.FavoriteUnit, r.UserComment, nullableID(r.JoinClanID), nullableText(r.JoinClanName),
			r.PrincessExp, string(talent))
	}
	return s.sendBatch(ctx, b, "player_profile_snapshots")
}

// InsertGrandArenaSnapshots appends grand-arena ranking rows.
func (s *Store) InsertGrandArenaSnapshots(ctx context.Context, rows []GrandArenaSnapshot, collectedAt time.Time) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(`
			INSERT INTO grand_arena_snapshots
			(viewer_id, collected_at, user_name, team_level, grand_arena_rank,
			 grand_arena_group, winning_number, favorite_unit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (viewer_id, collected_at) DO NOTHING`,
			r.ViewerID, collectedAt, r.UserName, r.TeamLevel, r.GrandArenaRank,
			r.GrandArenaGroup, r.WinningNumber, r.FavoriteUnit)
	}
	return s.sendBatch(ctx, b, "grand_arena_snapshots")
}

// InsertArenaDeckSnapshots appends solo-arena ranking rows with decks.
func (s *Store) InsertArenaDeckSnapshots(ctx context.Context, rows []ArenaDeckSnapshot, collectedAt time.Time) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		deck, err := json.Marshal(r.Deck)
		if err != nil {
			return fmt.Errorf("marshal deck: %w", err)
		}
		b.Queue(`
			INSERT INTO arena_deck_snapshots
			(viewer_id, collected_at, team_level, arena_group, arena_rank, arena_deck)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			ON CONFLICT (viewer_id, collected_at) DO NOTHING`,
			r.ViewerID, collectedAt, r.TeamLevel, r.ArenaGroup, r.ArenaRank, string(deck))
	}
	return s.sendBatch(ctx, b, "arena_deck_snapshots")
}

// nullableID maps 0 to NULL for optional bigint columns.
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

// nullableText maps "" to NULL for optional text columns.
func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
