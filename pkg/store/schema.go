package store

import (
	"context"
	"fmt"
	"strings"
)

// schema is the full DDL. Every statement is idempotent so Migrate can
// be re-run against a live database.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id                BIGSERIAL PRIMARY KEY,
    uid               TEXT NOT NULL UNIQUE,
    access_key        TEXT NOT NULL,
    viewer_id         BIGINT,
    name              TEXT,
    arena_group       INT NOT NULL DEFAULT 0,
    grand_arena_group INT NOT NULL DEFAULT 0,
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    note              TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS clan_snapshots (
    clan_id                BIGINT NOT NULL,
    collected_at           TIMESTAMPTZ NOT NULL,
    clan_name              TEXT NOT NULL DEFAULT '',
    leader_viewer_id       BIGINT NOT NULL DEFAULT 0,
    leader_name            TEXT NOT NULL DEFAULT '',
    join_condition         INT NOT NULL DEFAULT 0,
    activity               INT NOT NULL DEFAULT 0,
    clan_battle_mode       INT NOT NULL DEFAULT 0,
    member_num             INT NOT NULL DEFAULT 0,
    current_period_ranking INT NOT NULL DEFAULT 0,
    grade_rank             INT NOT NULL DEFAULT 0,
    description            TEXT NOT NULL DEFAULT '',
    exist                  BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (clan_id, collected_at)
);

CREATE TABLE IF NOT EXISTS player_clan_snapshots (
    viewer_id       BIGINT NOT NULL,
    collected_at    TIMESTAMPTZ NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    level           INT NOT NULL DEFAULT 0,
    role            INT NOT NULL DEFAULT 0,
    total_power     BIGINT NOT NULL DEFAULT 0,
    join_clan_id    BIGINT,
    join_clan_name  TEXT,
    last_login_time TIMESTAMPTZ,
    PRIMARY KEY (viewer_id, collected_at)
);

CREATE INDEX IF NOT EXISTS idx_player_clan_snapshots_clan
    ON player_clan_snapshots (join_clan_id, collected_at);

CREATE TABLE IF NOT EXISTS player_profile_snapshots (
    viewer_id                      BIGINT NOT NULL,
    collected_at                   TIMESTAMPTZ NOT NULL,
    user_name                      TEXT NOT NULL DEFAULT '',
    team_level                     INT NOT NULL DEFAULT 0,
    unit_num                       INT NOT NULL DEFAULT 0,
    total_power                    BIGINT NOT NULL DEFAULT 0,
    arena_rank                     INT NOT NULL DEFAULT 0,
    arena_group                    INT NOT NULL DEFAULT 0,
    grand_arena_rank               INT NOT NULL DEFAULT 0,
    grand_arena_group              INT NOT NULL DEFAULT 0,
    favorite_unit                  BIGINT NOT NULL DEFAULT 0,
    user_comment                   TEXT NOT NULL DEFAULT '',
    join_clan_id                   BIGINT,
    join_clan_name                 TEXT,
    princess_knight_rank_total_exp BIGINT NOT NULL DEFAULT 0,
    talent_quest_clear             JSONB,
    PRIMARY KEY (viewer_id, collected_at)
);

CREATE TABLE IF NOT EXISTS grand_arena_snapshots (
    viewer_id         BIGINT NOT NULL,
    collected_at      TIMESTAMPTZ NOT NULL,
    user_name         TEXT NOT NULL DEFAULT '',
    team_level        INT NOT NULL DEFAULT 0,
    grand_arena_rank  INT NOT NULL DEFAULT 0,
    grand_arena_group INT NOT NULL DEFAULT 0,
    winning_number    INT NOT NULL DEFAULT 0,
    favorite_unit     BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (viewer_id, collected_at)
);

CREATE TABLE IF NOT EXISTS arena_deck_snapshots (
    viewer_id    BIGINT NOT NULL,
    collected_at TIMESTAMPTZ NOT NULL,
    team_level   INT NOT NULL DEFAULT 0,
    arena_group  INT NOT NULL DEFAULT 0,
    arena_rank   INT NOT NULL DEFAULT 0,
    arena_deck   JSONB,
    PRIMARY KEY (viewer_id, collected_at)
);

CREATE TABLE IF NOT EXISTS task_logs (
    id               BIGSERIAL PRIMARY KEY,
    task_name        TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ NOT NULL,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    status           TEXT NOT NULL,
    records_expected BIGINT NOT NULL DEFAULT 0,
    records_fetched  BIGINT NOT NULL DEFAULT 0,
    records_saved    BIGINT NOT NULL DEFAULT 0,
    error_message    TEXT,
    details          JSONB
);

CREATE INDEX IF NOT EXISTS idx_task_logs_name_started
    ON task_logs (task_name, started_at DESC);
`

// Migrate applies the embedded schema statement by statement, logging
// each one. Statements are idempotent; failures stop the run.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", firstLine(stmt), err)
		}
		s.log.Info().Str("stmt", firstLine(stmt)).Msg("applied")
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return strings.TrimSpace(stmt[:i])
	}
	return stmt
}
