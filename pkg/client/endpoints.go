package client

import (
	"context"
	"fmt"
)

// RankingPageSize is the upstream page size for both arena boards.
const RankingPageSize = 20

// safeCall posts one endpoint; on any failure it logs in again once and
// retries once. Second failures surface to the caller.
func (c *Client) safeCall(ctx context.Context, endpoint string, payload map[string]interface{}) (map[string]interface{}, error) {
	res, err := c.CallAPI(ctx, endpoint, payload, true)
	if err == nil {
		return res, nil
	}
	if _, _, err := c.Login(ctx); err != nil {
		return nil, fmt.Errorf("relogin: %w", err)
	}
	return c.CallAPI(ctx, endpoint, payload, true)
}

// GetProfile fetches the full profile of one player.
func (c *Client) GetProfile(ctx context.Context, targetViewerID int64) (map[string]interface{}, error) {
	return c.safeCall(ctx, "profile/get_profile", map[string]interface{}{
		"target_viewer_id": targetViewerID,
	})
}

// ClanInfo fetches a clan's detail and member roster.
func (c *Client) ClanInfo(ctx context.Context, clanID int64) (map[string]interface{}, error) {
	return c.safeCall(ctx, "clan/others_info", map[string]interface{}{
		"clan_id": clanID,
	})
}

// ArenaRanking fetches one page of the solo-arena board for the group
// this account belongs to.
func (c *Client) ArenaRanking(ctx context.Context, page int) (map[string]interface{}, error) {
	return c.safeCall(ctx, "arena/ranking", map[string]interface{}{
		"limit": RankingPageSize,
		"page":  page,
	})
}

// GrandArenaRanking fetches one page of the grand-arena board.
func (c *Client) GrandArenaRanking(ctx context.Context, page int) (map[string]interface{}, error) {
	return c.safeCall(ctx, "grand_arena/ranking", map[string]interface{}{
		"limit": RankingPageSize,
		"page":  page,
	})
}

// ArenaInfo refreshes the account's own solo-arena state. The binding
// job calls it so the profile reports a live group assignment.
func (c *Client) ArenaInfo(ctx context.Context) (map[string]interface{}, error) {
	return c.safeCall(ctx, "arena/info", map[string]interface{}{})
}

// GrandArenaInfo refreshes the account's own grand-arena state.
func (c *Client) GrandArenaInfo(ctx context.Context) (map[string]interface{}, error) {
	return c.safeCall(ctx, "grand_arena/info", map[string]interface{}{})
}

// ClanBattlePeriodRanking fetches one page of the clan-battle period
// board.
func (c *Client) ClanBattlePeriodRanking(ctx context.Context, page int, clanID int64) (map[string]interface{}, error) {
	return c.safeCall(ctx, "clan_battle/period_ranking", map[string]interface{}{
		"clan_id":        clanID,
		"clan_battle_id": -1,
		"period":         -1,
		"month":          0,
		"page":           page,
		"is_my_clan":     0,
		"is_first":       1,
	})
}
