package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/esh3ar/internal/auth"
	"github.com/matheus3301/esh3ar/internal/console"
	"github.com/matheus3301/esh3ar/internal/control"
	"github.com/matheus3301/esh3ar/internal/lock"
	"github.com/matheus3301/esh3ar/internal/profile"
	"github.com/matheus3301/esh3ar/internal/signalr/hubtest"
	"github.com/matheus3301/esh3ar/internal/status"
)

func moduleParams(t *testing.T, hub *hubtest.Server, creds Credentials) (Params, *lockedBuffer) {
	t.Helper()
	// Short base dir keeps the control socket path under the Unix limit.
	home, err := os.MkdirTemp("/tmp", "esh3ar-app-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("ESH3AR_HOME", home)

	out := &lockedBuffer{}
	return Params{
		Profile:     "test",
		Config:      testConfig(hub.URL()),
		Credentials: creds,
		Console:     console.New(strings.NewReader(""), out),
	}, out
}

func TestModuleLifecycle(t *testing.T) {
	hub := hubtest.NewServer()
	defer hub.Close()
	p, out := moduleParams(t, hub, Credentials{Handle: "775265496", Password: "pw"})

	app := fxtest.New(t, Module(p))
	app.RequireStart()

	c, err := control.Dial(profile.SocketPath(p.Profile))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var st status.State
	for st != status.Connected && ctx.Err() == nil {
		st, _ = c.State(ctx)
		time.Sleep(10 * time.Millisecond)
	}
	if st != status.Connected {
		t.Fatalf("control reports %s, want CONNECTED", st)
	}

	if _, err := lock.Acquire(profile.Dir(p.Profile)); err == nil {
		t.Error("profile lock not held while running")
	}

	app.RequireStop()

	if !strings.Contains(out.String(), "Disconnected.") {
		t.Errorf("missing disconnect line:\n%s", out.String())
	}
	if _, err := os.Stat(profile.SocketPath(p.Profile)); !os.IsNotExist(err) {
		t.Errorf("control socket left behind: %v", err)
	}
	lk, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

func TestModuleAuthFailureReleasesProfile(t *testing.T) {
	hub := hubtest.NewServer()
	defer hub.Close()
	hub.Accept("967775265496", "right")
	p, _ := moduleParams(t, hub, Credentials{Handle: "775265496", Password: "wrong"})

	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("graph: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := app.Start(ctx)
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		t.Fatalf("Start error = %v, want *auth.Error", err)
	}

	lk, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		t.Fatalf("lock not released after failed start: %v", err)
	}
	_ = lk.Release()
}
