// Package queue drains a list of crawl ids through a bounded pool of
// logged-in account workers, with batched inserts, bounded retry with
// re-login, and a live progress readout.
package queue

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/metrics"
	"github.com/pcrdb/pcrdb/pkg/store"
)

// Ids at or below this bound are clan ids; viewer ids live far above
// it.
const viewerIDThreshold = 1_000_000_000_000

var errNoAccounts = errors.New("no active accounts available")

// Mode selects which endpoint a worker hits per id.
type Mode int

const (
	ModeClan Mode = iota
	ModeProfile
)

// OutcomeKind tags a processor result.
type OutcomeKind int

const (
	// OutcomeOk carries a usable record to buffer.
	OutcomeOk OutcomeKind = iota
	// OutcomeDrop means the id can never succeed; count it and move on.
	OutcomeDrop
	// OutcomeRetry means a transient failure; re-login and try again.
	OutcomeRetry
)

// Outcome is a processor's verdict on one response.
type Outcome struct {
	Kind   OutcomeKind
	Record interface{}
}

func Ok(record interface{}) Outcome { return Outcome{Kind: OutcomeOk, Record: record} }
func Drop() Outcome                 { return Outcome{Kind: OutcomeDrop} }
func Retry() Outcome                { return Outcome{Kind: OutcomeRetry} }

// Processor turns one raw response into an outcome. It receives the
// queried id because the response body does not always echo it (a
// disbanded clan's error carries no clan id).
type Processor func(queryID int64, resp map[string]interface{}) Outcome

// Inserter flushes one batch of buffered records.
type Inserter func(ctx context.Context, records []interface{}) error

// Fetcher is the slice of the RPC client a worker needs. Each worker
// owns exactly one fetcher; fetchers are never shared.
type Fetcher interface {
	Login(ctx context.Context) error
	FetchClan(ctx context.Context, clanID int64) (map[string]interface{}, error)
	FetchProfile(ctx context.Context, viewerID int64) (map[string]interface{}, error)
}

// FetcherFactory builds a fetcher bound to one crawler account.
type FetcherFactory func(account store.Account) Fetcher

// Config assembles one queue run.
type Config struct {
	Name        string
	Seeds       []int64
	Process     Processor
	Insert      Inserter
	Accounts    []store.Account
	NewFetcher  FetcherFactory
	Concurrency int
	BatchSize   int

	// Test seams; zero values select production behavior.
	Stagger       time.Duration
	RetrySleep    time.Duration
	MonitorPeriod time.Duration
	ProgressOut   io.Writer
}

const (
	defaultStagger       = 500 * time.Millisecond
	defaultRetrySleep    = 2 * time.Second
	defaultMonitorPeriod = 200 * time.Millisecond
	maxAttempts          = 4
)

// Run drains the seed list and returns the number of ids processed,
// which always equals the deduplicated seed length barring context
// cancellation.
func Run(ctx context.Context, cfg Config) (int64, error) {
	seeds := dedupeSort(cfg.Seeds)
	if len(seeds) == 0 {
		return 0, nil
	}
	mode := inferMode(seeds)

	if cfg.Stagger == 0 {
		cfg.Stagger = defaultStagger
	}
	if cfg.RetrySleep == 0 {
		cfg.RetrySleep = defaultRetrySleep
	}
	if cfg.MonitorPeriod == 0 {
		cfg.MonitorPeriod = defaultMonitorPeriod
	}
	if cfg.ProgressOut == nil {
		cfg.ProgressOut = os.Stderr
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	workers := cfg.Concurrency
	if len(cfg.Accounts) < workers {
		workers = len(cfg.Accounts)
	}
	if workers <= 0 {
		return 0, errNoAccounts
	}

	logger := log.WithTask(cfg.Name)
	logger.Info().Int("seeds", len(seeds)).Int("workers", workers).
		Str("mode", modeName(mode)).Msg("queue start")

	ids := make(chan int64, len(seeds))
	for _, id := range seeds {
		ids <- id
	}
	close(ids)

	var processed atomic.Int64
	started := time.Now()

	monitorDone := make(chan struct{})
	monitorExited := make(chan struct{})
	go func() {
		defer close(monitorExited)
		monitor(ctx, cfg, int64(len(seeds)), &processed, started, monitorDone)
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		account := cfg.Accounts[i]
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			// Staggered startup keeps logins from stampeding.
			if slot > 0 {
				sleepCtx(ctx, time.Duration(slot)*cfg.Stagger)
			}
			runWorker(ctx, cfg, mode, account, ids, &processed)
		}(i)
	}
	wg.Wait()
	close(monitorDone)
	<-monitorExited

	n := processed.Load()
	logger.Info().Int64("processed", n).
		Dur("elapsed", time.Since(started)).Msg("queue done")
	metrics.ObserveQueueRun(cfg.Name, n, time.Since(started))

	return n, ctx.Err()
}

func runWorker(ctx context.Context, cfg Config, mode Mode, account store.Account, ids <-chan int64, processed *atomic.Int64) {
	logger := log.WithAccount(account.UID)
	fetcher := cfg.NewFetcher(account)

	if err := fetcher.Login(ctx); err != nil {
		// This worker drops out; the rest of the pool drains the queue.
		logger.Error().Err(err).Msg("worker login failed")
		metrics.IncLoginFailure(account.UID)
		return
	}

	for {
		batch := takeBatch(ids, cfg.BatchSize)
		if len(batch) == 0 {
			return
		}

		var records []interface{}
		for _, id := range batch {
			if ctx.Err() != nil {
				return
			}
			outcome := crawlOne(ctx, cfg, mode, fetcher, logger, id)
			if outcome.Kind == OutcomeOk {
				records = append(records, outcome.Record)
			}
			processed.Add(1)
		}

		if len(records) > 0 {
			if err := cfg.Insert(ctx, records); err != nil {
				logger.Error().Err(err).Int("records", len(records)).Msg("batch insert failed")
			}
		}
	}
}

// crawlOne fetches and processes a single id, retrying transient
// failures with a backoff sleep and a fresh login in between. Ids that
// never succeed degrade to a drop.
func crawlOne(ctx context.Context, cfg Config, mode Mode, fetcher Fetcher, logger zerolog.Logger, id int64) Outcome {
	for attempt := 1; ; attempt++ {
		var resp map[string]interface{}
		var err error
		if mode == ModeProfile {
			resp, err = fetcher.FetchProfile(ctx, id)
		} else {
			resp, err = fetcher.FetchClan(ctx, id)
		}
		if err == nil {
			if outcome := cfg.Process(id, resp); outcome.Kind != OutcomeRetry {
				return outcome
			}
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			logger.Warn().Int64("id", id).Int("attempts", attempt).Msg("dropped after retries")
			metrics.IncDroppedID(cfg.Name)
			return Drop()
		}
		sleepCtx(ctx, cfg.RetrySleep)
		if lerr := fetcher.Login(ctx); lerr != nil {
			logger.Warn().Err(lerr).Int64("id", id).Msg("re-login between retries failed")
		}
	}
}

func takeBatch(ids <-chan int64, max int) []int64 {
	id, ok := <-ids
	if !ok {
		return nil
	}
	batch := make([]int64, 1, max)
	batch[0] = id
	for len(batch) < max {
		select {
		case id, ok := <-ids:
			if !ok {
				return batch
			}
			batch = append(batch, id)
		default:
			return batch
		}
	}
	return batch
}

func dedupeSort(seeds []int64) []int64 {
	seen := make(map[int64]struct{}, len(seeds))
	out := make([]int64, 0, len(seeds))
	for _, id := range seeds {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func inferMode(sortedSeeds []int64) Mode {
	if len(sortedSeeds) > 0 && sortedSeeds[0] > viewerIDThreshold {
		return ModeProfile
	}
	return ModeClan
}

func modeName(m Mode) string {
	if m == ModeProfile {
		return "profile"
	}
	return "clan"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
