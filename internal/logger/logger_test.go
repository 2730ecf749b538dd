package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-microkernel/internal/tracer"
)

func TestLogRecordsEntryWithLevelAndModule(t *testing.T) {
	l := New()
	e := l.Log(LevelWarn, "netstack", "link down", map[string]any{"iface": "eth0"})
	assert.Equal(t, LevelWarn, e.Level)
	assert.Equal(t, "netstack", e.Module)
	assert.Equal(t, "link down", e.Message)
}

func TestConvenienceMethodsMatchLog(t *testing.T) {
	l := New()
	l.Info("started", nil)
	snap := l.Snapshot("", LevelDebug)
	assert.Len(t, snap, 1)
	assert.Equal(t, LevelInfo, snap[0].Level)
}

func TestForModuleIsTransparentAlias(t *testing.T) {
	l := New()
	mod := l.ForModule("gateway")
	mod.Info("connected", nil)

	snap := l.Snapshot("", LevelDebug)
	assert.Len(t, snap, 1)
	assert.Equal(t, "gateway", snap[0].Module)
}

func TestSnapshotFiltersByModulePrefixAndLevel(t *testing.T) {
	l := New()
	l.ForModule("gateway").Debug("low", nil)
	l.ForModule("gateway").Warn("high", nil)
	l.ForModule("kernel").Warn("other", nil)

	snap := l.Snapshot("gateway", LevelWarn)
	assert.Len(t, snap, 1)
	assert.Equal(t, "high", snap[0].Message)
}

func TestLevelStringNames(t *testing.T) {
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "error", LevelError.String())
}

func TestEntriesStreamYieldsOnlyFutureMatchingEntries(t *testing.T) {
	l := New()
	l.Info("before subscribe", nil)

	stream := l.Entries("", LevelDebug)
	defer stream.Close()

	done := make(chan Entry, 1)
	go func() {
		e, ok := stream.Next()
		if ok {
			done <- e
		}
	}()

	l.Info("after subscribe", nil)

	select {
	case e := <-done:
		assert.Equal(t, "after subscribe", e.Message)
	case <-time.After(time.Second):
		t.Fatal("stream did not deliver new entry")
	}
}

func TestEntriesStreamCloseUnblocksNext(t *testing.T) {
	l := New()
	stream := l.Entries("", LevelDebug)

	done := make(chan bool, 1)
	go func() {
		_, ok := stream.Next()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	stream.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock Next")
	}
}

func TestMirrorEmitsLogEventOnTracer(t *testing.T) {
	tr := tracer.New()
	l := New(WithMirror(tr))
	l.Error("boom", map[string]any{"code": "EFOO"})

	snap := tr.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, "log", snap[0].Type)
	assert.Equal(t, "error", snap[0].Payload["level"])
}
