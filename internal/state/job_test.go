// internal/state/job_test.go
package state

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestJobStore_ListEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewJobStore(filepath.Join(dir, "jobs.json"))

	jobs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected empty list, got %d jobs", len(jobs))
	}
}

func TestJobStore_AddAndList(t *testing.T) {
	dir := t.TempDir()
	store := NewJobStore(filepath.Join(dir, "jobs.json"))

	job := &Job{
		Name:           "morning-summary",
		Kind:           JobSend,
		Schedule:       "0 9 * * *",
		ConversationID: "c1",
		Prompt:         "Summarize today's candidates",
		Enabled:        true,
	}

	if err := store.Add(job); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Name != "morning-summary" {
		t.Errorf("expected name morning-summary, got %s", jobs[0].Name)
	}
	if jobs[0].ConversationID != "c1" {
		t.Errorf("expected conversation c1, got %s", jobs[0].ConversationID)
	}
	if !jobs[0].Enabled {
		t.Error("expected job to be enabled")
	}
}

func TestJobStore_AddDuplicate(t *testing.T) {
	dir := t.TempDir()
	store := NewJobStore(filepath.Join(dir, "jobs.json"))

	job := &Job{Name: "sync", Kind: JobSync, Schedule: "@every 5m", Enabled: true}
	if err := store.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(job); err == nil {
		t.Fatal("expected error for duplicate job name")
	}
}

func TestJobStore_AddInvalid(t *testing.T) {
	dir := t.TempDir()
	store := NewJobStore(filepath.Join(dir, "jobs.json"))

	cases := []*Job{
		{Kind: JobSync, Schedule: "@hourly"},
		{Name: "a", Kind: JobSync},
		{Name: "b", Kind: JobSend, Schedule: "@hourly"},
		{Name: "c", Kind: "bogus", Schedule: "@hourly"},
	}
	for _, job := range cases {
		if err := store.Add(job); err == nil {
			t.Errorf("expected validation error for %+v", job)
		}
	}
}

func TestJobStore_GetNotFound(t *testing.T) {
	dir := t.TempDir()
	store := NewJobStore(filepath.Join(dir, "jobs.json"))

	_, err := store.Get("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobStore_RemoveAndSetEnabled(t *testing.T) {
	dir := t.TempDir()
	store := NewJobStore(filepath.Join(dir, "jobs.json"))

	for _, name := range []string{"one", "two"} {
		if err := store.Add(&Job{Name: name, Kind: JobSync, Schedule: "@hourly", Enabled: true}); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.SetEnabled("two", false); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get("two")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("expected job two to be disabled")
	}

	if err := store.Remove("one"); err != nil {
		t.Fatal(err)
	}
	jobs, _ := store.List()
	if len(jobs) != 1 || jobs[0].Name != "two" {
		t.Errorf("expected only job two, got %+v", jobs)
	}

	if err := store.Remove("one"); err == nil {
		t.Error("expected error removing missing job")
	}
}
