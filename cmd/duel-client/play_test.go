package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"slice-duel/internal/docstore"
	"slice-duel/internal/room"
	"slice-duel/internal/session"

	"github.com/spf13/pflag"
)

func testCoordinator(t *testing.T, st docstore.Store, device string) *session.Coordinator {
	t.Helper()
	c, err := session.NewCoordinator(session.Config{
		Store:             st,
		Device:            session.StaticDeviceID(device),
		Countdown:         40 * time.Millisecond,
		MatchDuration:     200 * time.Millisecond,
		ScoreSyncInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

type outcome struct {
	view session.View
	err  error
}

func TestBotsPlayMatchAndRematch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st := docstore.NewMemory()
	defer st.Close()

	hostCoord := testCoordinator(t, st, "dev-host")
	guestCoord := testCoordinator(t, st, "dev-guest")
	var hostOut, guestOut bytes.Buffer
	host := newPlayer(hostCoord, &hostOut, &options{
		name: "Ana", autoStart: true, rematches: 1, skill: 1, shareBase: "https://duel.example/play",
	})
	guest := newPlayer(guestCoord, &guestOut, &options{name: "Ben", skill: 0})

	hostDone := make(chan outcome, 1)
	go func() {
		v, err := host.run(ctx, "")
		hostDone <- outcome{v, err}
	}()
	var code string
	for code == "" {
		if ctx.Err() != nil {
			t.Fatal("host never created a session")
		}
		code = hostCoord.View().Code
		time.Sleep(5 * time.Millisecond)
	}
	guestDone := make(chan outcome, 1)
	go func() {
		v, err := guest.run(ctx, code)
		guestDone <- outcome{v, err}
	}()

	for name, ch := range map[string]chan outcome{"host": hostDone, "guest": guestDone} {
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("%s: %v", name, res.err)
			}
		case <-ctx.Done():
			t.Fatalf("%s did not finish", name)
		}
	}

	if want := "share link: https://duel.example/play?room=" + code; !bytes.Contains(hostOut.Bytes(), []byte(want)) {
		t.Fatalf("host output missing %q:\n%s", want, hostOut.String())
	}
	results := regexp.MustCompile(`(?m)^(you won|you lost|draw) \d+-\d+`)
	if n := len(results.FindAll(hostOut.Bytes(), -1)); n != 2 {
		t.Fatalf("host saw %d results, want 2:\n%s", n, hostOut.String())
	}
	if n := len(results.FindAll(guestOut.Bytes(), -1)); n < 1 {
		t.Fatalf("guest saw no result:\n%s", guestOut.String())
	}
	sessions, _, err := room.NewRepository(st).List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions left behind: %d", len(sessions))
	}
}

func TestJoinUnknownCode(t *testing.T) {
	st := docstore.NewMemory()
	defer st.Close()
	p := newPlayer(testCoordinator(t, st, "dev-a"), &bytes.Buffer{}, &options{name: "Ana"})
	if _, err := p.run(context.Background(), "ZZZZ"); !errors.Is(err, room.ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveCode(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ab3k", "AB3K", true},
		{" a b 3 k ", "AB3K", true},
		{"https://duel.example/play?room=ab3k&x=1", "AB3K", true},
		{"https://duel.example/play", "", false},
		{"I0", "", false},
	}
	for _, tc := range cases {
		got, err := resolveCode(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("resolveCode(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestApplyConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duel.yaml")
	if err := os.WriteFile(path, []byte("name: Zed\nskill: 0.25\nhub: http://file-hub:9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	opts := &options{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&opts.name, "name", "player", "")
	fs.Float64Var(&opts.skill, "skill", 0.7, "")
	fs.StringVar(&opts.hub, "hub", "http://localhost:8080", "")
	if err := fs.Parse([]string{"--hub", "http://flag-hub:1"}); err != nil {
		t.Fatal(err)
	}
	if err := applyConfigFile(fs, path); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if opts.name != "Zed" || opts.skill != 0.25 {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.hub != "http://flag-hub:1" {
		t.Fatalf("explicit flag overridden: %s", opts.hub)
	}
	if err := applyConfigFile(fs, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing config file accepted")
	}
}
