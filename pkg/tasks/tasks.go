// Package tasks holds the crawl pipelines and the registry the
// scheduler and CLI dispatch through. Each task wraps its run in a
// task-log lifecycle: row counts of the tables it writes are captured
// before and after, and the delta is recorded as records saved.
package tasks

import (
	"context"
	"fmt"
	"sort"

	"github.com/pcrdb/pcrdb/pkg/client"
	"github.com/pcrdb/pcrdb/pkg/codec"
	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/metrics"
	"github.com/pcrdb/pcrdb/pkg/queue"
	"github.com/pcrdb/pcrdb/pkg/store"
)

// Env bundles the shared dependencies every task needs.
type Env struct {
	Store       *store.Store
	Clients     *client.Factory
	Concurrency int
	BatchSize   int

	// AccessKeyHint fills in for accounts whose own access key is
	// blank.
	AccessKeyHint string
}

// Args carries free-form task parameters from the CLI or the schedule
// file. Values are strings or ints.
type Args map[string]interface{}

// Int reads an integer argument, tolerating both int and string forms.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// String reads a string argument.
func (a Args) String(key, def string) string {
	if v, ok := a[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Definition is one runnable task.
type Definition struct {
	Name   string
	Tables []string
	Run    func(ctx context.Context, env *Env, rec *store.TaskRecorder, args Args) error
}

var registry = map[string]Definition{}

func register(d Definition) {
	registry[d.Name] = d
}

// Names returns the registered task names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Known reports whether name is a registered task.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Run executes one task under the task-log lifecycle. The task's own
// error is returned; failures of the log write itself are only logged.
func Run(ctx context.Context, env *Env, name string, args Args) error {
	def, ok := registry[name]
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}

	logger := log.WithTask(name)
	logger.Info().Msg("task start")

	rec, err := env.Store.StartTask(ctx, name, def.Tables...)
	if err != nil {
		return err
	}

	runErr := def.Run(ctx, env, rec, args)

	status := "success"
	if runErr != nil {
		status = "failed"
		logger.Error().Err(runErr).Msg("task failed")
	} else {
		logger.Info().Msg("task done")
	}
	metrics.IncTaskRun(name, status)

	if err := rec.Finish(ctx, runErr); err != nil {
		logger.Error().Err(err).Msg("task log write failed")
	}
	return runErr
}

// accessKey resolves the key used to log an account in.
func (e *Env) accessKey(a store.Account) string {
	if a.AccessKey != "" {
		return a.AccessKey
	}
	return e.AccessKeyHint
}

// newFetcher adapts the RPC client to the queue's fetcher contract.
func (e *Env) newFetcher(a store.Account) queue.Fetcher {
	return clientFetcher{e.Clients.New(a.ViewerID, a.UID, e.accessKey(a))}
}

type clientFetcher struct {
	c *client.Client
}

func (f clientFetcher) Login(ctx context.Context) error {
	_, _, err := f.c.Login(ctx)
	return err
}

func (f clientFetcher) FetchClan(ctx context.Context, clanID int64) (map[string]interface{}, error) {
	return f.c.ClanInfo(ctx, clanID)
}

func (f clientFetcher) FetchProfile(ctx context.Context, viewerID int64) (map[string]interface{}, error) {
	return f.c.GetProfile(ctx, viewerID)
}

// serverErrorMessage digs the error message out of a response, "" when
// absent.
func serverErrorMessage(resp map[string]interface{}) (string, bool) {
	se, ok := resp["server_error"]
	if !ok {
		return "", false
	}
	return codec.AsString(codec.AsMap(se)["message"]), true
}
