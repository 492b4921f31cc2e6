package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/cheese-live-board/internal/opsapi"
	"github.com/park285/cheese-live-board/internal/protocol"
	"github.com/park285/cheese-live-board/internal/wsclient"
)

// chess-smoke connects two players and a spectator to a running server,
// plays an opening move, provokes an out-of-turn rejection and checks the ops API.
func main() {
	wsURL := getenv("SMOKE_WS_URL", "ws://localhost:8080/ws")
	opsURL := getenv("SMOKE_OPS_URL", "http://localhost:9090")
	room := getenv("SMOKE_ROOM", fmt.Sprintf("smoke-%d", time.Now().Unix()))

	ops := opsapi.NewClient(opsURL, opsapi.WithTimeout(5*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ops.Health(ctx); err != nil {
		log.Fatalf("ops health: %v", err)
	}
	log.Printf("ops healthy at %s", opsURL)

	url := wsURL + "?room=" + room
	white := dial(ctx, url, "white")
	black := dial(ctx, url, "black")
	watcher := dial(ctx, url, "spectator")
	defer func() {
		for _, p := range []*player{white, black, watcher} {
			_ = p.c.Close(context.Background())
		}
	}()

	for _, p := range []*player{white, black, watcher} {
		p.await(ctx, protocol.TypeState)
		if p.c.Role() != p.want {
			log.Fatalf("%s got role %q", p.want, p.c.Role())
		}
	}
	log.Printf("roles assigned in room %s", room)

	if err := white.c.SendMove(ctx, "e2", "e4", ""); err != nil {
		log.Fatalf("send e2e4: %v", err)
	}
	st := watcher.state(ctx)
	if st.Turn != "black" || len(st.Moves) != 1 {
		log.Fatalf("spectator saw %+v after e2e4", st)
	}
	log.Printf("e2e4 broadcast: %s", st.Position)

	if err := white.c.SendMove(ctx, "d2", "d4", ""); err != nil {
		log.Fatalf("send d2d4: %v", err)
	}
	env := white.await(ctx, protocol.TypeError)
	var e protocol.ErrorPayload
	_ = json.Unmarshal(env.Data, &e)
	if e.Code != "out_of_turn" {
		log.Fatalf("expected out_of_turn, got %+v", e)
	}
	log.Printf("out-of-turn rejected: %s", e.Message)

	snap, err := ops.Room(ctx, room)
	if err != nil {
		log.Fatalf("ops room: %v", err)
	}
	if snap.Version != 1 || snap.Position.FEN != st.Position {
		log.Fatalf("ops snapshot diverged: %+v", snap)
	}
	if _, err := ops.Reset(ctx, room); err != nil {
		log.Fatalf("ops reset: %v", err)
	}
	if st := watcher.state(ctx); len(st.Moves) != 0 {
		log.Fatalf("reset not broadcast: %+v", st)
	}
	log.Println("smoke ok")
}

type player struct {
	want string
	c    *wsclient.Client
	in   chan protocol.Envelope
}

func dial(ctx context.Context, url, want string) *player {
	p := &player{want: want, in: make(chan protocol.Envelope, 32)}
	p.c = wsclient.New(url)
	p.c.OnStateChange(func(s wsclient.State) {
		log.Printf("%s ws state: %s", want, s)
	})
	p.c.OnMessage(func(env protocol.Envelope) {
		select {
		case p.in <- env:
		default:
		}
	})
	if err := p.c.Connect(ctx); err != nil {
		log.Fatalf("%s connect: %v", want, err)
	}
	// roles are first-come; the next client may only dial once this one is seated
	p.await(ctx, protocol.TypeRole, protocol.TypeSpectator)
	return p
}

func (p *player) await(ctx context.Context, types ...string) protocol.Envelope {
	for {
		select {
		case env := <-p.in:
			for _, typ := range types {
				if env.Type == typ {
					return env
				}
			}
		case <-ctx.Done():
			log.Fatalf("%s: timed out waiting for %v", p.want, types)
		}
	}
}

func (p *player) state(ctx context.Context) protocol.StatePayload {
	var st protocol.StatePayload
	if err := json.Unmarshal(p.await(ctx, protocol.TypeState).Data, &st); err != nil {
		log.Fatalf("%s: decode state: %v", p.want, err)
	}
	return st
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
