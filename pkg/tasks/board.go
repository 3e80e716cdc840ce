package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/pcrdb/pcrdb/pkg/client"
	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/store"
)

// forEachGroup runs one scrape per arena group, each on the account
// bound to that group, concurrently, and returns how many groups were
// scraped. A group whose login fails is logged and skipped; the run
// only fails outright when no account is bound to any group at all.
func forEachGroup(ctx context.Context, env *Env, kind store.GroupKind, scrape func(ctx context.Context, c *client.Client, group int) error) (int, error) {
	byGroup, err := env.Store.AccountsByGroup(ctx, kind)
	if err != nil {
		return 0, err
	}
	if len(byGroup) == 0 {
		return 0, fmt.Errorf("no active accounts bound to %s groups", kind)
	}

	var wg sync.WaitGroup
	for group, account := range byGroup {
		wg.Add(1)
		go func(group int, account store.Account) {
			defer wg.Done()
			logger := log.WithAccount(account.UID).With().Int("group", group).Logger()

			c := env.Clients.New(account.ViewerID, account.UID, env.accessKey(account))
			if _, _, err := c.Login(ctx); err != nil {
				logger.Error().Err(err).Msg("group login failed")
				return
			}
			if err := scrape(ctx, c, group); err != nil {
				logger.Error().Err(err).Msg("group scrape failed")
			}
		}(group, account)
	}
	wg.Wait()
	return len(byGroup), nil
}
