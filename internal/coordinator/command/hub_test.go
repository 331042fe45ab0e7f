package command

import (
	"sort"
	"testing"

	"github.com/runfleet/runfleet/internal/common/logger"
)

func TestHub_DrainIsAtomic(t *testing.T) {
	h := NewHub(logger.Default())

	h.AddStopRun("runner-1", "r1")
	h.AddStopRun("runner-1", "r2")
	h.AddStopRun("runner-1", "r1") // duplicate collapses
	h.AddSyncScript("runner-1", "build.sh")

	cmds := h.Drain("runner-1")
	sort.Strings(cmds.StopRuns)
	if len(cmds.StopRuns) != 2 || cmds.StopRuns[0] != "r1" || cmds.StopRuns[1] != "r2" {
		t.Fatalf("unexpected stop runs: %v", cmds.StopRuns)
	}
	if len(cmds.SyncScripts) != 1 || cmds.SyncScripts[0] != "build.sh" {
		t.Fatalf("unexpected sync scripts: %v", cmds.SyncScripts)
	}

	// Second drain finds nothing.
	if !h.Drain("runner-1").Empty() {
		t.Error("drain must clear pending commands")
	}
	if !h.Drain("never-seen").Empty() {
		t.Error("unknown runner drains empty")
	}
}

func TestHub_SyncRemoveMutualExclusion(t *testing.T) {
	h := NewHub(logger.Default())

	h.AddSyncScript("runner-1", "deploy.sh")
	h.AddRemoveScript("runner-1", "deploy.sh")

	cmds := h.Drain("runner-1")
	if len(cmds.SyncScripts) != 0 {
		t.Errorf("removal must cancel pending sync, got %v", cmds.SyncScripts)
	}
	if len(cmds.RemoveScripts) != 1 || cmds.RemoveScripts[0] != "deploy.sh" {
		t.Errorf("expected removal to survive, got %v", cmds.RemoveScripts)
	}

	// And in the other direction.
	h.AddRemoveScript("runner-1", "deploy.sh")
	h.AddSyncScript("runner-1", "deploy.sh")
	cmds = h.Drain("runner-1")
	if len(cmds.RemoveScripts) != 0 || len(cmds.SyncScripts) != 1 {
		t.Errorf("sync must cancel pending removal, got %+v", cmds)
	}
}

func TestHub_WakeDeliversAtMostOnePending(t *testing.T) {
	h := NewHub(logger.Default())
	wake := h.Wake("runner-1")

	h.AddStopRun("runner-1", "r1")
	h.AddStopRun("runner-1", "r2")

	select {
	case <-wake:
	default:
		t.Fatal("expected a buffered wake nudge")
	}
	select {
	case <-wake:
		t.Fatal("nudges must coalesce, second receive should block")
	default:
	}
}

func TestHub_WakeAll(t *testing.T) {
	h := NewHub(logger.Default())
	a := h.Wake("runner-a")
	b := h.Wake("runner-b")

	h.WakeAll()

	for name, ch := range map[string]<-chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		default:
			t.Errorf("runner %s not woken", name)
		}
	}
}

func TestHub_BroadcastScripts(t *testing.T) {
	h := NewHub(logger.Default())

	h.BroadcastSyncScript([]string{"runner-a", "runner-b"}, "lint.sh")
	for _, id := range []string{"runner-a", "runner-b"} {
		cmds := h.Drain(id)
		if len(cmds.SyncScripts) != 1 || cmds.SyncScripts[0] != "lint.sh" {
			t.Errorf("runner %s missing broadcast script: %+v", id, cmds)
		}
	}
}
