// Package scheduler fires registered tasks from a YAML schedule file
// on a minute-granularity cron matcher.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/tasks"
)

// Entry is one row of the schedule file.
type Entry struct {
	Name       string         `yaml:"name"`
	Enabled    bool           `yaml:"enabled"`
	Minute     string         `yaml:"minute"`
	Hour       string         `yaml:"hour"`
	DayOfMonth string         `yaml:"day_of_month"`
	Month      string         `yaml:"month"`
	DayOfWeek  string         `yaml:"day_of_week"`
	Mode       string         `yaml:"mode"`
	Params     map[string]any `yaml:"params"`
}

type scheduleFile struct {
	Tasks []Entry `yaml:"tasks"`
}

// Job is a loadable, runnable schedule entry. The mutex enforces one
// in-flight run per task: a fire that finds the previous run still
// going is skipped.
type Job struct {
	Name string
	Args tasks.Args
	Spec Spec

	running sync.Mutex
}

// Load parses the schedule file, dropping disabled entries and logging
// away entries it cannot honor (unknown task, unsupported grammar)
// instead of failing the whole file.
func Load(path string) ([]*Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}

	var file scheduleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}

	logger := log.WithComponent("scheduler")
	var jobs []*Job
	for _, e := range file.Tasks {
		if !e.Enabled {
			continue
		}
		if !tasks.Known(e.Name) {
			logger.Warn().Str("task", e.Name).Msg("unknown task in schedule, skipped")
			continue
		}
		spec, err := ParseSpec(e.Minute, e.Hour, e.DayOfMonth, e.Month, e.DayOfWeek)
		if err != nil {
			logger.Warn().Err(err).Str("task", e.Name).Msg("unsupported schedule, skipped")
			continue
		}

		args := tasks.Args{}
		for k, v := range e.Params {
			args[k] = v
		}
		if e.Mode != "" {
			args["mode"] = e.Mode
		}
		jobs = append(jobs, &Job{Name: e.Name, Args: args, Spec: spec})
	}
	return jobs, nil
}

// Scheduler drives the loaded jobs off a minute ticker.
type Scheduler struct {
	env    *tasks.Env
	jobs   []*Job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler over the given jobs.
func New(env *tasks.Env, jobs []*Job) *Scheduler {
	return &Scheduler{
		env:    env,
		jobs:   jobs,
		stopCh: make(chan struct{}),
	}
}

// Start begins dispatching. It returns immediately; runs happen on
// their own goroutines.
func (s *Scheduler) Start() {
	logger := log.WithComponent("scheduler")
	logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Align the first tick to a minute boundary so Matches sees
		// each wall-clock minute exactly once.
		now := time.Now()
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		select {
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		s.dispatch(time.Now())
		for {
			select {
			case <-s.stopCh:
				return
			case t := <-ticker.C:
				s.dispatch(t)
			}
		}
	}()
}

// Stop halts dispatching and waits for the loop (not in-flight tasks)
// to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) dispatch(now time.Time) {
	for _, job := range s.jobs {
		if !job.Spec.Matches(now) {
			continue
		}
		s.fire(job)
	}
}

func (s *Scheduler) fire(job *Job) {
	logger := log.WithComponent("scheduler")
	if !job.running.TryLock() {
		logger.Warn().Str("task", job.Name).Msg("previous run still in flight, skipped")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer job.running.Unlock()
		// Task failures land in task_logs; the scheduler keeps going.
		if err := tasks.Run(context.Background(), s.env, job.Name, job.Args); err != nil {
			logger.Error().Err(err).Str("task", job.Name).Msg("scheduled run failed")
		}
	}()
}
