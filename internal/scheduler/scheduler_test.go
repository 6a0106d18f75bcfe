// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/delivery"
	"github.com/user/resumechat/internal/dispatch"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/retry"
	"github.com/user/resumechat/internal/state"
	"github.com/user/resumechat/pkg/backend"
	"github.com/user/resumechat/pkg/backend/backendtest"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	dir := t.TempDir()
	store := state.NewJobStore(filepath.Join(dir, "jobs.json"))

	job := &state.Job{
		Name:     "every-second",
		Kind:     state.JobSync,
		Schedule: "* * * * * *",
		Enabled:  true,
	}
	if err := store.Add(job); err != nil {
		t.Fatal(err)
	}

	var fires atomic.Int32
	sched := New(store, func(j state.Job) {
		if j.Name == "every-second" {
			fires.Add(1)
		}
	})
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, "job to fire", func() bool { return fires.Load() > 0 })
}

func TestSchedulerSkipsDisabled(t *testing.T) {
	dir := t.TempDir()
	store := state.NewJobStore(filepath.Join(dir, "jobs.json"))

	job := &state.Job{
		Name:     "disabled-job",
		Kind:     state.JobSync,
		Schedule: "* * * * * *",
		Enabled:  false,
	}
	if err := store.Add(job); err != nil {
		t.Fatal(err)
	}

	var fires atomic.Int32
	sched := New(store, func(state.Job) { fires.Add(1) })
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	if sched.Entries() != 0 {
		t.Errorf("expected no entries, got %d", sched.Entries())
	}
	time.Sleep(1500 * time.Millisecond)

	if n := fires.Load(); n != 0 {
		t.Errorf("expected 0 fires for disabled job, got %d", n)
	}
}

func TestSchedulerSyncSchedule(t *testing.T) {
	store := state.NewJobStore(filepath.Join(t.TempDir(), "jobs.json"))

	var syncs atomic.Int32
	sched := New(store, func(j state.Job) {
		if j.Kind == state.JobSync && j.Name == syncJobName {
			syncs.Add(1)
		}
	}, WithSyncSchedule("@every 1s"))
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, "sync to fire", func() bool { return syncs.Load() > 0 })
}

func TestSchedulerInvalidScheduleSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	// Written directly: Add validates only presence of a schedule.
	if err := os.WriteFile(path, []byte(`[{"name":"bad","kind":"sync","schedule":"not a cron","enabled":true}]`), 0644); err != nil {
		t.Fatal(err)
	}
	sched := New(state.NewJobStore(path), func(state.Job) {})
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()
	if sched.Entries() != 0 {
		t.Errorf("expected invalid schedule to be skipped, got %d entries", sched.Entries())
	}
	if ValidSchedule("not a cron") == nil {
		t.Error("expected ValidSchedule to reject garbage")
	}
	if err := ValidSchedule("*/5 * * * *"); err != nil {
		t.Errorf("expected five-field cron to parse: %v", err)
	}
}

func TestRunnerSendDeliversReply(t *testing.T) {
	dir := t.TempDir()
	fake := &backendtest.Fake{Reply: backendtest.Script(
		&backend.Token{Delta: "No news", Accumulated: "No news"},
		&backend.Done{},
	)}
	store := conversation.New(fake, state.NewFileCache(dir, 0),
		conversation.WithRetryPolicy(&retry.Policy{MaxAttempts: 1}),
		conversation.WithReconciler(reconcile.New(reconcile.WithTimeout(time.Second))),
	)
	d := dispatch.New(store)
	d.Start(context.Background())
	defer func() {
		d.Stop()
		store.Close()
	}()

	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "replies.md")
	run := Runner(ctx, store, d, delivery.NewRegistry())
	run(state.Job{Name: "nudge", Kind: state.JobSend, ConversationID: string(conv.ID), Prompt: "any news?", Notify: "file:" + out})

	waitFor(t, "reply delivery", func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.Contains(string(data), "No news")
	})
}

func TestRunnerSyncRefreshesList(t *testing.T) {
	fake := &backendtest.Fake{}
	fake.AddConversation(backend.Summary{ID: "srv-1", Title: "From server"},
		backend.Message{ID: "m1", Role: "assistant", Content: "hi"})
	store := conversation.New(fake, state.NewFileCache(t.TempDir(), 0))
	defer store.Close()

	run := Runner(context.Background(), store, nil, nil)
	run(state.Job{Name: "sync", Kind: state.JobSync})

	convs := store.Conversations()
	if len(convs) != 1 || convs[0].Title != "From server" {
		t.Errorf("expected server conversation after sync, got %+v", convs)
	}
}
