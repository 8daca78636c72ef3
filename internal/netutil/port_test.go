package netutil

import (
	"net"
	"strings"
	"testing"

	"github.com/dgnsrekt/tabwatch/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func busyAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func TestListenPreferredFree(t *testing.T) {
	addr := freeAddr(t)

	ln, err := Listen(BindPlan{Preferred: addr})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	if got := ln.Addr().String(); got != addr {
		t.Fatalf("Listen() addr = %q, want %q", got, addr)
	}
}

func TestListenFallsBackToConfiguredCandidates(t *testing.T) {
	busy := busyAddr(t)
	free := freeAddr(t)
	t.Setenv("TABWATCH_BIND_ADDR", busy)
	t.Setenv("TABWATCH_PORT_AUTO_FALLBACK", "true")
	t.Setenv("TABWATCH_PORT_CANDIDATES", " "+busy+", ,"+free+","+free)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	plan := BindPlan{Preferred: cfg.BindAddr, Candidates: cfg.PortCandidates, AutoFallback: cfg.PortAutoFallback}
	if got := plan.Addrs(); len(got) != 2 || got[0] != busy || got[1] != free {
		t.Fatalf("Addrs() = %v, want [%s %s]", got, busy, free)
	}

	ln, err := Listen(plan)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	if got := ln.Addr().String(); got != free {
		t.Fatalf("Listen() addr = %q, want %q", got, free)
	}
}

func TestListenWithoutFallbackReportsPreferred(t *testing.T) {
	busy := busyAddr(t)

	_, err := Listen(BindPlan{Preferred: busy, Candidates: []string{freeAddr(t)}})
	if err == nil || !strings.Contains(err.Error(), busy) {
		t.Fatalf("Listen() error = %v, want mention of %s", err, busy)
	}
}

func TestListenAllBusy(t *testing.T) {
	a, b := busyAddr(t), busyAddr(t)

	_, err := Listen(BindPlan{Preferred: a, Candidates: []string{b}, AutoFallback: true})
	if err == nil || !strings.Contains(err.Error(), a+", "+b) {
		t.Fatalf("Listen() error = %v", err)
	}

	if _, err := Listen(BindPlan{}); err == nil {
		t.Fatal("Listen() with empty plan should fail")
	}
}
