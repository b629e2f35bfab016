package replica

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/seqtext/pkg/hub"
	"github.com/astromechza/seqtext/pkg/registry"
	"github.com/astromechza/seqtext/pkg/snapshot"
)

func startServer(t *testing.T, seed string) (string, *registry.Registry) {
	t.Helper()
	base, reg, _ := startStoppable(t, snapshot.State{Text: seed})
	return base, reg
}

// startStoppable serves documents seeded from state. stop ends every
// connection and shuts the server down, as a process exit would.
func startStoppable(t *testing.T, state snapshot.State) (string, *registry.Registry, func()) {
	t.Helper()
	reg := registry.New("server")
	h := hub.New(reg, hub.WithSeed(func(context.Context, string) (snapshot.State, error) { return state, nil }))
	ctx, cancel := context.WithCancel(context.Background())
	upgrader := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "docs" || parts[2] != "sync" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = h.Serve(ctx, parts[1], conn)
	}))
	stop := func() {
		cancel()
		srv.Close()
	}
	t.Cleanup(stop)
	return srv.URL, reg, stop
}

// backup persists the server's copy of a document the way the server
// process does.
func backup(t *testing.T, reg *registry.Registry, doc string) snapshot.State {
	t.Helper()
	state, ok := reg.State(doc)
	if !ok {
		t.Fatalf("%s is not open", doc)
	}
	raw, err := snapshot.Encode(state)
	if err != nil {
		t.Fatal(err)
	}
	if state, err = snapshot.Decode(raw); err != nil {
		t.Fatal(err)
	}
	return state
}

// moveTo points r at another server; the next reconnect goes there.
func moveTo(t *testing.T, r *Replica, base string) {
	t.Helper()
	u, err := SyncURL(base, r.docID)
	if err != nil {
		t.Fatal(err)
	}
	r.mu.Lock()
	r.url = u
	r.mu.Unlock()
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSyncURL(t *testing.T) {
	for base, want := range map[string]string{
		"http://localhost:8080":   "ws://localhost:8080/docs/notes/sync",
		"https://example.com/app": "wss://example.com/app/docs/notes/sync",
	} {
		got, err := SyncURL(base, "notes")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("SyncURL(%q) = %q, want %q", base, got, want)
		}
	}
}

func TestReplicasConverge(t *testing.T) {
	base, reg := startServer(t, "hello")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Dial(ctx, base, "notes", WithBackOff(fastBackOff))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Dial(ctx, base, "notes", WithBackOff(fastBackOff))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	if a.Text() != "hello" || b.Text() != "hello" {
		t.Fatalf("initial %q %q", a.Text(), b.Text())
	}
	if a.Site() == b.Site() {
		t.Fatal("replicas share a site")
	}

	if err := a.SetText("hello world"); err != nil {
		t.Fatal(err)
	}
	if err := b.Insert(0, ">> "); err != nil {
		t.Fatal(err)
	}
	want := ">> hello world"
	waitFor(t, "convergence", func() bool { return a.Text() == want && b.Text() == want })
	doc, _ := reg.Get("notes")
	waitFor(t, "server", func() bool { return doc.RenderText() == want })

	if err := b.Delete(0, 3); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete", func() bool { return a.Text() == "hello world" })
}

func TestOfflineEditsAreResent(t *testing.T) {
	base, reg := startServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Dial(ctx, base, "notes", WithBackOff(fastBackOff))
	if err != nil {
		t.Fatal(err)
	}

	// drop the connection before Run starts so the edit cannot be sent
	a.mu.Lock()
	_ = a.conn.Close()
	a.mu.Unlock()
	if err := a.Insert(0, "offline"); err != nil {
		t.Fatal(err)
	}
	if a.Text() != "offline" {
		t.Fatalf("local = %q", a.Text())
	}

	go func() { _ = a.Run(ctx) }()
	doc, _ := reg.Get("notes")
	waitFor(t, "resend", func() bool { return doc.RenderText() == "offline" })
}

func TestDialGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, "http://127.0.0.1:1", "notes", WithBackOff(fastBackOff)); err == nil {
		t.Fatal("expected dial to fail")
	}
}

func TestServerRestartKeepsIdentifiers(t *testing.T) {
	for name, backupAfterEdit := range map[string]bool{
		"backup after edit":  true,
		"backup before edit": false,
	} {
		t.Run(name, func(t *testing.T) {
			base, reg, stop := startStoppable(t, snapshot.State{Text: "hello"})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := Dial(ctx, base, "notes", WithBackOff(fastBackOff))
			if err != nil {
				t.Fatal(err)
			}
			go func() { _ = a.Run(ctx) }()
			gen := a.Generation()

			state := backup(t, reg, "notes")
			if err := a.Insert(5, "X"); err != nil {
				t.Fatal(err)
			}
			doc, _ := reg.Get("notes")
			waitFor(t, "first server", func() bool { return doc.RenderText() == "helloX" })
			if backupAfterEdit {
				state = backup(t, reg, "notes")
			}

			base2, reg2, _ := startStoppable(t, state)
			moveTo(t, a, base2)
			stop()

			// ops on one connection arrive in order, so once this lands any
			// resend has landed too
			waitFor(t, "reconnect", func() bool {
				_, ok := reg2.Get("notes")
				return ok
			})
			doc2, _ := reg2.Get("notes")
			waitFor(t, "resend", func() bool { return doc2.RenderText() == "helloX" })
			if err := a.Insert(6, "!"); err != nil {
				t.Fatal(err)
			}
			waitFor(t, "second server", func() bool { return doc2.RenderText() == "helloX!" })
			if a.Text() != "helloX!" {
				t.Fatalf("replica = %q", a.Text())
			}
			if a.Generation() != gen || reg2.Generation("notes") != gen {
				t.Fatalf("generation moved from %q to %q", gen, a.Generation())
			}
		})
	}
}

func TestNewGenerationReplacesReplica(t *testing.T) {
	base, reg, stop := startStoppable(t, snapshot.State{Text: "hello"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Dial(ctx, base, "notes", WithBackOff(fastBackOff))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = a.Run(ctx) }()
	if err := a.Insert(5, "X"); err != nil {
		t.Fatal(err)
	}
	doc, _ := reg.Get("notes")
	waitFor(t, "first server", func() bool { return doc.RenderText() == "helloX" })
	gen := a.Generation()

	// only the text survived, so every identifier is new
	base2, reg2, _ := startStoppable(t, snapshot.State{Text: "helloX"})
	moveTo(t, a, base2)
	stop()

	waitFor(t, "rebuild", func() bool { return a.Generation() != gen })
	if err := a.Insert(6, "!"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second server", func() bool {
		doc2, ok := reg2.Get("notes")
		return ok && doc2.RenderText() == "helloX!"
	})
	if a.Text() != "helloX!" {
		t.Fatalf("replica = %q", a.Text())
	}
}

func TestRunReleasesConnection(t *testing.T) {
	base, _, stop := startStoppable(t, snapshot.State{Text: "hello"})
	a, err := Dial(context.Background(), base, "notes", WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }))
	if err != nil {
		t.Fatal(err)
	}

	first, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	done := make(chan error, 1)
	go func() { done <- a.Run(first) }()
	stop()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run should fail once the server is gone")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned")
	}

	base2, reg2, _ := startStoppable(t, snapshot.State{Text: "hello"})
	moveTo(t, a, base2)
	if err := a.reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// cancelling the finished Run must leave the new connection alone
	cancelFirst()
	time.Sleep(50 * time.Millisecond)
	if err := a.Insert(0, ">"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "insert", func() bool {
		doc, ok := reg2.Get("notes")
		return ok && doc.RenderText() == ">hello"
	})
}
