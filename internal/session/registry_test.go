package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-live-board/internal/rules"
)

func TestRegistry_RoomCreatesOnce(t *testing.T) {
	g := NewRegistry(rules.NewStandard(), WithDefaultRoom("lobby"))
	ctx := context.Background()

	a, err := g.Room(ctx, "")
	if err != nil {
		t.Fatalf("default room: %v", err)
	}
	if a.ID() != "lobby" {
		t.Fatalf("default id = %s", a.ID())
	}
	b, err := g.Room(ctx, " lobby ")
	if err != nil || b != a {
		t.Fatalf("second lookup returned a different room: %v", err)
	}
	if _, err := g.Room(ctx, "game-2"); err != nil {
		t.Fatalf("game-2: %v", err)
	}

	snaps := g.Rooms()
	if len(snaps) != 2 || snaps[0].Room != "game-2" || snaps[1].Room != "lobby" {
		t.Fatalf("rooms = %+v", snaps)
	}
}

func TestRegistry_InvalidID(t *testing.T) {
	g := NewRegistry(rules.NewStandard())
	for _, id := range []string{"../etc", "a b", "room!", string(make([]byte, 65))} {
		if _, err := g.Room(context.Background(), id); !errors.Is(err, ErrInvalidRoomID) {
			t.Fatalf("id %q err = %v", id, err)
		}
	}
}

func TestRegistry_RoomsAreIndependent(t *testing.T) {
	g := NewRegistry(rules.NewStandard())
	ctx := context.Background()
	r1, _ := g.Room(ctx, "one")
	r2, _ := g.Room(ctx, "two")
	join(t, r1, "w1")
	join(t, r1, "b1")
	join(t, r2, "w2")

	if _, err := r1.SubmitMove("w1", mv(t, "e2e4")); err != nil {
		t.Fatal(err)
	}
	if r2.Snapshot().Version != 0 {
		t.Fatalf("move leaked into another room")
	}
	// w2 is white only in room two
	if _, err := r1.SubmitMove("w2", mv(t, "e7e5")); !errors.Is(err, ErrNotAPlayer) {
		t.Fatalf("cross-room move err = %v", err)
	}
}

func TestRegistry_Sweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewRegistry(rules.NewStandard(), WithRegistryClock(func() time.Time { return now }))
	ctx := context.Background()

	busy, _ := g.Room(ctx, "busy")
	join(t, busy, "p")
	idle, _ := g.Room(ctx, "idle")
	join(t, idle, "q")
	idle.Leave("q")
	if _, err := g.Room(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Minute)
	if removed := g.Sweep(time.Hour); len(removed) != 0 {
		t.Fatalf("swept too early: %v", removed)
	}
	now = now.Add(time.Hour)
	removed := g.Sweep(time.Hour)
	if len(removed) != 2 || removed[0] != "fresh" || removed[1] != "idle" {
		t.Fatalf("removed = %v", removed)
	}
	if _, ok := g.Lookup("busy"); !ok {
		t.Fatalf("occupied room swept")
	}
	if g.Remove("idle") {
		t.Fatalf("remove of swept room reported true")
	}
}

func TestRegistry_JoinAfterSweepUsesRegisteredRoom(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewRegistry(rules.NewStandard(), WithRegistryClock(func() time.Time { return now }))
	ctx := context.Background()

	stale, err := g.Room(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	if removed := g.Sweep(time.Hour); len(removed) != 1 || removed[0] != "x" {
		t.Fatalf("removed = %v", removed)
	}

	joined, p, err := g.Join(ctx, "x", newRecorder("w"))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined == stale || p.Role != RoleWhite {
		t.Fatalf("joined the swept room or wrong role %s", p.Role)
	}
	got, err := g.Room(ctx, "x")
	if err != nil || got != joined {
		t.Fatalf("registry holds a different room than the one joined: %v", err)
	}
	if removed := g.Sweep(time.Hour); len(removed) != 0 {
		t.Fatalf("occupied room swept: %v", removed)
	}
	again, p2, err := g.Join(ctx, "x", newRecorder("b"))
	if err != nil || again != joined || p2.Role != RoleBlack {
		t.Fatalf("second join: room same=%v role=%s err=%v", again == joined, p2.Role, err)
	}
	if _, _, err := g.Join(ctx, "bad id", newRecorder("z")); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("invalid id err = %v", err)
	}
	if _, _, err := g.Join(ctx, "x", newRecorder("w")); !errors.Is(err, ErrDuplicateSender) {
		t.Fatalf("duplicate join err = %v", err)
	}
}

func TestRegistry_JoinRacingSweeper(t *testing.T) {
	g := NewRegistry(rules.NewStandard())
	ctx := context.Background()

	stop := make(chan struct{})
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		for {
			select {
			case <-stop:
				return
			default:
				g.Sweep(-1)
			}
		}
	}()

	const n = 16
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := g.Join(ctx, "race", newRecorder(fmt.Sprintf("p%d", i)))
			if err != nil {
				t.Errorf("join %d: %v", i, err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()
	close(stop)
	<-swept

	live, ok := g.Lookup("race")
	if !ok {
		t.Fatalf("occupied room was swept")
	}
	for i, r := range rooms {
		if r != live {
			t.Fatalf("participant %d joined an orphaned room", i)
		}
	}
	snap := live.Snapshot()
	if snap.White == "" || snap.Black == "" || snap.Spectators != n-2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRegistry_StartSweeper(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := make(chan time.Time, 1)
	clock <- now
	g := NewRegistry(rules.NewStandard(), WithRegistryClock(func() time.Time {
		select {
		case t := <-clock:
			now = t
		default:
		}
		return now
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := g.Room(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	clock <- now.Add(2 * time.Hour)

	g.StartSweeper(ctx, 10*time.Millisecond, time.Hour)
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := g.Lookup("gone"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper did not remove idle room")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type staticRestorer struct {
	snap *Snapshot
	err  error
}

func (s staticRestorer) Load(context.Context, string) (*Snapshot, error) { return s.snap, s.err }

func TestRegistry_RestoreFromSnapshot(t *testing.T) {
	oracle := rules.NewStandard()
	pos, err := oracle.Restore([]string{"e2e4", "e7e5"})
	if err != nil {
		t.Fatal(err)
	}
	g := NewRegistry(oracle, WithRestorer(staticRestorer{snap: &Snapshot{Room: "r", Position: pos, White: "old"}}))
	r, err := g.Room(context.Background(), "r")
	if err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if snap.Position.FEN != pos.FEN || snap.Position.Turn != rules.White {
		t.Fatalf("restored = %+v", snap.Position)
	}
	if snap.White != "" || snap.Black != "" {
		t.Fatalf("slots must start empty: %+v", snap)
	}
	_, p := join(t, r, "new")
	if p.Role != RoleWhite {
		t.Fatalf("role = %s", p.Role)
	}
	if _, err := r.SubmitMove("new", mv(t, "g1f3")); err != nil {
		t.Fatalf("continue restored game: %v", err)
	}
}

func TestRegistry_RestoreFailureStartsFresh(t *testing.T) {
	oracle := rules.NewStandard()
	cases := map[string]Restorer{
		"load error":      staticRestorer{err: errors.New("boom")},
		"corrupt history": staticRestorer{snap: &Snapshot{Position: rules.Position{MovesUCI: []string{"e2e5"}}}},
		"missing":         staticRestorer{},
	}
	for name, rs := range cases {
		t.Run(name, func(t *testing.T) {
			g := NewRegistry(oracle, WithRestorer(rs))
			r, err := g.Room(context.Background(), "x")
			if err != nil {
				t.Fatal(err)
			}
			if got := r.Snapshot().Position.FEN; got != oracle.Initial().FEN {
				t.Fatalf("fen = %s", got)
			}
		})
	}
}
