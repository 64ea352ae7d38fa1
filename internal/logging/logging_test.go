package logging

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	ctx := WithFields(context.Background(), String("org", "https://contoso"))
	WithContext(ctx).Warn("skipping record", Entity("webpages"))
	WithContext(context.Background()).Info("plain")

	entries := logs.FilterMessage("skipping record").All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	got := entries[0].ContextMap()
	if got["org"] != "https://contoso" || got["entity"] != "webpages" {
		t.Errorf("fields = %v", got)
	}
	if plain := logs.FilterMessage("plain").All(); len(plain) != 1 || len(plain[0].Context) != 0 {
		t.Errorf("global logger entries = %+v", plain)
	}
}

func TestLConcurrentFirstUse(t *testing.T) {
	SetLogger(nil)
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	var wg sync.WaitGroup
	loggers := make([]*zap.Logger, 16)
	for i := range loggers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loggers[i] = L()
		}(i)
	}
	wg.Wait()

	for i, l := range loggers {
		if l == nil || l != loggers[0] {
			t.Fatalf("L() #%d = %p, want %p", i, l, loggers[0])
		}
	}
	if S() == nil {
		t.Error("S() = nil")
	}
}

func TestFieldHelpers(t *testing.T) {
	if f := Path("/site/a.txt"); f.Key != "path" || f.String != "/site/a.txt" {
		t.Errorf("Path() = %+v", f)
	}
	if f := Status(404); f.Key != "status" || f.Integer != 404 {
		t.Errorf("Status() = %+v", f)
	}
}
