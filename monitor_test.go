package ember

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quickTask(startedAt, endedAt int64, success bool) TaskRecord {
	t := TaskRecord{
		TaskID:      NewID(),
		Description: "test task",
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		Success:     success,
		Usage:       Usage{InputTokens: 100, OutputTokens: 50},
	}
	t.AddIteration(IterationRecord{Index: 0, Model: "m1", StartedAt: startedAt, EndedAt: endedAt})
	return t
}

func readRetrospects(t *testing.T, dir string, day time.Time) []retrospectRecord {
	t.Helper()
	name := filepath.Join(dir, "retrospect-"+day.Format("2006-01-02")+".jsonl")
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	defer f.Close()
	var out []retrospectRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r retrospectRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestTaskMonitorComplete_RecordsUsage(t *testing.T) {
	store := newMemStore()
	m := NewTaskMonitor(store, nil, t.TempDir())

	m.Complete(context.Background(), quickTask(100, 105, true), "primary")
	m.Wait()

	total, _ := store.UsageTotals(context.Background(), 0)
	if total.InputTokens != 100 || total.OutputTokens != 50 {
		t.Errorf("usage totals = %+v, want 100 in / 50 out", total)
	}
}

func TestTaskMonitorComplete_QuickSuccessSkipsRetrospect(t *testing.T) {
	brain := newScriptedAdapter("brain", textResponse("analysis"))
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewTaskMonitor(newMemStore(), brain, dir, monitorClock(func() time.Time { return day }))

	m.Complete(context.Background(), quickTask(100, 105, true), "primary")
	m.Wait()

	if brain.callCount() != 0 {
		t.Errorf("brain called %d times for a quick success, want 0", brain.callCount())
	}
	if recs := readRetrospects(t, dir, day); len(recs) != 0 {
		t.Errorf("wrote %d retrospects, want 0", len(recs))
	}
}

func TestTaskMonitorComplete_FailureEarnsRetrospect(t *testing.T) {
	brain := newScriptedAdapter("brain", textResponse("the tool timed out twice"))
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewTaskMonitor(newMemStore(), brain, dir, monitorClock(func() time.Time { return day }))

	task := quickTask(100, 105, false)
	task.Error = "all providers failed"
	m.Complete(context.Background(), task, "primary")
	m.Wait()

	recs := readRetrospects(t, dir, day)
	if len(recs) != 1 {
		t.Fatalf("wrote %d retrospects, want 1", len(recs))
	}
	if recs[0].TaskID != task.TaskID {
		t.Errorf("task id = %q, want %q", recs[0].TaskID, task.TaskID)
	}
	if recs[0].Success {
		t.Error("record marked success for a failed task")
	}
	if recs[0].Analysis != "the tool timed out twice" {
		t.Errorf("analysis = %q", recs[0].Analysis)
	}
}

func TestTaskMonitorComplete_LongSuccessEarnsRetrospect(t *testing.T) {
	brain := newScriptedAdapter("brain", textResponse("many iterations for a simple ask"))
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewTaskMonitor(newMemStore(), brain, dir,
		monitorClock(func() time.Time { return day }),
		MonitorRetrospectThreshold(60*time.Second),
	)

	m.Complete(context.Background(), quickTask(100, 200, true), "primary") // 100s > 60s
	m.Wait()

	if recs := readRetrospects(t, dir, day); len(recs) != 1 {
		t.Errorf("wrote %d retrospects, want 1 for a long task", len(recs))
	}
}

func TestTaskMonitorComplete_DisabledWritesNothing(t *testing.T) {
	brain := newScriptedAdapter("brain", textResponse("analysis"))
	dir := t.TempDir()
	m := NewTaskMonitor(newMemStore(), brain, dir, MonitorRetrospectEnabled(false))

	m.Complete(context.Background(), quickTask(100, 500, false), "primary")
	m.Wait()

	if brain.callCount() != 0 {
		t.Errorf("brain called %d times while disabled, want 0", brain.callCount())
	}
}

func TestTaskMonitorComplete_JudgeFailureDropsRetrospect(t *testing.T) {
	brain := newScriptedAdapter("brain", scriptStep{err: connErr("brain")})
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewTaskMonitor(newMemStore(), brain, dir, monitorClock(func() time.Time { return day }))

	m.Complete(context.Background(), quickTask(100, 105, false), "primary")
	m.Wait()

	if recs := readRetrospects(t, dir, day); len(recs) != 0 {
		t.Errorf("wrote %d retrospects despite generation failure, want 0", len(recs))
	}
}

func TestTaskRecordAddIteration_TracksModelSwitch(t *testing.T) {
	var rec TaskRecord
	rec.AddIteration(IterationRecord{Index: 0, Model: "m1"})
	rec.AddIteration(IterationRecord{Index: 1, Model: "m1"})
	if rec.ModelSwitched {
		t.Error("same model should not flag a switch")
	}
	rec.AddIteration(IterationRecord{Index: 2, Model: "m2"})
	if !rec.ModelSwitched {
		t.Error("model change should flag a switch")
	}
	if rec.InitialModel != "m1" || rec.FinalModel != "m2" {
		t.Errorf("models = %s -> %s, want m1 -> m2", rec.InitialModel, rec.FinalModel)
	}
}
