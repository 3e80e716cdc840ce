package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/store"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

// fakeFetcher scripts per-id outcomes. failFirst maps an id to how
// many leading attempts should come back as retryable.
type fakeFetcher struct {
	mu        sync.Mutex
	failFirst map[int64]int
	attempts  map[int64]int
	logins    int
	loginErr  error
}

func (f *fakeFetcher) Login(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return f.loginErr
}

func (f *fakeFetcher) fetch(id int64) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = make(map[int64]int)
	}
	f.attempts[id]++
	if f.attempts[id] <= f.failFirst[id] {
		return map[string]interface{}{"transient": true}, nil
	}
	return map[string]interface{}{"id": id}, nil
}

func (f *fakeFetcher) FetchClan(_ context.Context, id int64) (map[string]interface{}, error) {
	return f.fetch(id)
}

func (f *fakeFetcher) FetchProfile(_ context.Context, id int64) (map[string]interface{}, error) {
	return f.fetch(id)
}

func passThrough(id int64, resp map[string]interface{}) Outcome {
	if resp["transient"] == true {
		return Retry()
	}
	return Ok(resp)
}

func fastConfig(cfg Config) Config {
	cfg.Stagger = time.Microsecond
	cfg.RetrySleep = time.Microsecond
	cfg.MonitorPeriod = time.Hour
	cfg.ProgressOut = io.Discard
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	return cfg
}

func accounts(n int) []store.Account {
	out := make([]store.Account, n)
	for i := range out {
		out[i] = store.Account{ID: int64(i + 1), UID: "uid", IsActive: true}
	}
	return out
}

func TestRunProcessesDeduplicatedSeeds(t *testing.T) {
	f := &fakeFetcher{}
	var inserted atomic.Int64

	n, err := Run(context.Background(), fastConfig(Config{
		Seeds:   []int64{3, 1, 2, 2, 3, 3},
		Process: passThrough,
		Insert: func(_ context.Context, records []interface{}) error {
			inserted.Add(int64(len(records)))
			return nil
		},
		Accounts:    accounts(2),
		NewFetcher:  func(store.Account) Fetcher { return f },
		Concurrency: 2,
		BatchSize:   2,
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "counter equals deduplicated seed length")
	assert.Equal(t, int64(3), inserted.Load())
}

func TestRunCountsPermanentFailures(t *testing.T) {
	// Id 5 never recovers; it must still count toward processed but
	// produce no record.
	f := &fakeFetcher{failFirst: map[int64]int{5: 100, 7: 2}}
	var records []interface{}
	var mu sync.Mutex

	n, err := Run(context.Background(), fastConfig(Config{
		Seeds:   []int64{5, 6, 7},
		Process: passThrough,
		Insert: func(_ context.Context, batch []interface{}) error {
			mu.Lock()
			records = append(records, batch...)
			mu.Unlock()
			return nil
		},
		Accounts:    accounts(1),
		NewFetcher:  func(store.Account) Fetcher { return f },
		Concurrency: 1,
		BatchSize:   10,
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Len(t, records, 2, "only ids 6 and 7 yield records")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, maxAttempts, f.attempts[5], "retry budget is bounded")
	assert.Equal(t, 3, f.attempts[7], "two transient failures then success")
	// Initial login + one re-login per retryable failure.
	assert.Equal(t, 1+(maxAttempts-1)+2, f.logins)
}

func TestRunSurvivesWorkerLoginFailure(t *testing.T) {
	var built atomic.Int64
	bad := &fakeFetcher{loginErr: errors.New("ban hammer")}
	good := &fakeFetcher{}

	n, err := Run(context.Background(), fastConfig(Config{
		Seeds:   []int64{1, 2, 3, 4},
		Process: passThrough,
		Insert:  func(context.Context, []interface{}) error { return nil },
		Accounts: []store.Account{
			{ID: 1, UID: "dead"},
			{ID: 2, UID: "alive"},
		},
		NewFetcher: func(a store.Account) Fetcher {
			built.Add(1)
			if a.UID == "dead" {
				return bad
			}
			return good
		},
		Concurrency: 2,
		BatchSize:   2,
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "surviving worker drains the whole queue")
	assert.Equal(t, int64(2), built.Load())
}

func TestRunNoAccounts(t *testing.T) {
	_, err := Run(context.Background(), fastConfig(Config{
		Seeds:       []int64{1},
		Process:     passThrough,
		Insert:      func(context.Context, []interface{}) error { return nil },
		Concurrency: 4,
	}))
	assert.ErrorIs(t, err, errNoAccounts)
}

func TestDedupeSort(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 9}, dedupeSort([]int64{9, 2, 1, 2, 9}))
	assert.Empty(t, dedupeSort(nil))
}

func TestInferMode(t *testing.T) {
	assert.Equal(t, ModeClan, inferMode([]int64{123, 456}))
	assert.Equal(t, ModeProfile, inferMode([]int64{1_000_000_000_001_234}))
}

func TestTakeBatch(t *testing.T) {
	ids := make(chan int64, 5)
	for i := int64(1); i <= 5; i++ {
		ids <- i
	}
	close(ids)

	assert.Equal(t, []int64{1, 2, 3}, takeBatch(ids, 3))
	assert.Equal(t, []int64{4, 5}, takeBatch(ids, 3))
	assert.Nil(t, takeBatch(ids, 3))
}

func TestRenderProgress(t *testing.T) {
	line := renderProgress(500, 1000, 47*time.Second)
	assert.Contains(t, line, " 50.0% ")
	assert.Contains(t, line, "500/1000")
	assert.Contains(t, line, "it/s]")
	assert.Contains(t, line, "ETA: 00:47")
	assert.Equal(t, barWidth/2, strings.Count(line, "█"))

	done := renderProgress(10, 10, time.Second)
	assert.Contains(t, done, "100.0%")
	assert.Contains(t, done, "ETA: --:--")
}

func TestMonitorRateLimit(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	out := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})

	cfg := Config{Name: "test", MonitorPeriod: 50 * time.Millisecond, ProgressOut: out}
	var processed atomic.Int64
	done := make(chan struct{})
	go monitor(context.Background(), cfg, 100, &processed, time.Now(), done)

	time.Sleep(220 * time.Millisecond)
	close(done)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	frames := strings.Count(buf.String(), "\r")
	mu.Unlock()
	// ~4 ticks in 220ms at 50ms cadence, plus the final summary frame.
	assert.LessOrEqual(t, frames, 6)
	assert.GreaterOrEqual(t, frames, 3)
}

type writerFunc func([]byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }
