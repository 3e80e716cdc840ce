package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/pcrdb/pcrdb/pkg/codec"
	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/store"
)

// bindConcurrency caps simultaneous logins during the binding job.
const bindConcurrency = 10

func init() {
	register(Definition{
		Name:   "accounts_bind",
		Tables: []string{"accounts"},
		Run:    runAccountsBind,
	})
}

// runAccountsBind logs every active account in, reads its own profile,
// and writes the learned viewer id, display name, and arena group
// assignments back to the registry. The board scrapes depend on these
// group bindings being current.
func runAccountsBind(ctx context.Context, env *Env, rec *store.TaskRecorder, _ Args) error {
	accounts, err := env.Store.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	rec.Expected = int64(len(accounts))

	var bound int
	var mu sync.Mutex
	sem := make(chan struct{}, bindConcurrency)
	var wg sync.WaitGroup

	for _, account := range accounts {
		wg.Add(1)
		go func(account store.Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := bindOne(ctx, env, account); err != nil {
				l := log.WithAccount(account.UID)
				l.Error().Err(err).Msg("bind failed")
				return
			}
			mu.Lock()
			bound++
			mu.Unlock()
		}(account)
	}
	wg.Wait()

	rec.Fetched = int64(bound)
	rec.Details["bound"] = bound
	if bound == 0 && len(accounts) > 0 {
		return fmt.Errorf("no account could be bound")
	}
	return nil
}

func bindOne(ctx context.Context, env *Env, account store.Account) error {
	c := env.Clients.New(account.ViewerID, account.UID, env.accessKey(account))
	if _, _, err := c.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	// Touching the info endpoints refreshes the group assignment the
	// profile reports.
	if _, err := c.ArenaInfo(ctx); err != nil {
		l := log.WithAccount(account.UID)
		l.Debug().Err(err).Msg("arena info unavailable")
	}
	if _, err := c.GrandArenaInfo(ctx); err != nil {
		l := log.WithAccount(account.UID)
		l.Debug().Err(err).Msg("grand arena info unavailable")
	}

	profile, err := c.GetProfile(ctx, c.ViewerID())
	if err != nil {
		return fmt.Errorf("get own profile: %w", err)
	}
	user := codec.AsMap(profile["user_info"])
	if len(user) == 0 {
		return fmt.Errorf("profile has no user_info")
	}

	return env.Store.UpdateAccountBinding(ctx, account.UID,
		codec.AsInt64(user["viewer_id"]),
		codec.AsString(user["user_name"]),
		codec.AsInt(user["arena_group"]),
		codec.AsInt(user["grand_arena_group"]))
}
