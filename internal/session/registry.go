package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-live-board/internal/metrics"
	"github.com/park285/cheese-live-board/internal/msgcat"
	"github.com/park285/cheese-live-board/internal/obslog"
	"github.com/park285/cheese-live-board/internal/protocol"
	"github.com/park285/cheese-live-board/internal/rules"
)

// Restorer loads the last mirrored snapshot of a room.
type Restorer interface {
	Load(ctx context.Context, roomID string) (*Snapshot, error)
}

// Registry maps room ids to independently serialized rooms.
type Registry struct {
	oracle      rules.Oracle
	catalog     *msgcat.Catalog
	mirror      Mirror
	restorer    Restorer
	defaultRoom string
	now         func() time.Time

	mu    sync.RWMutex
	rooms map[string]*Room
}

type Option func(*Registry)

func WithRegistryMirror(m Mirror) Option {
	return func(g *Registry) {
		if m != nil {
			g.mirror = m
		}
	}
}

func WithRestorer(rs Restorer) Option {
	return func(g *Registry) { g.restorer = rs }
}

func WithMessages(c *msgcat.Catalog) Option {
	return func(g *Registry) { g.catalog = c }
}

func WithDefaultRoom(id string) Option {
	return func(g *Registry) {
		if strings.TrimSpace(id) != "" {
			g.defaultRoom = strings.TrimSpace(id)
		}
	}
}

func WithRegistryClock(now func() time.Time) Option {
	return func(g *Registry) {
		if now != nil {
			g.now = now
		}
	}
}

func NewRegistry(oracle rules.Oracle, opts ...Option) *Registry {
	g := &Registry{
		oracle:      oracle,
		mirror:      nopMirror{},
		defaultRoom: "main",
		now:         time.Now,
		rooms:       make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NormalizeID maps an empty id to the default room and validates the rest.
func (g *Registry) NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return g.defaultRoom, nil
	}
	if !protocol.ValidRoomID(id) {
		return "", ErrInvalidRoomID
	}
	return id, nil
}

// Room returns the room for id, creating it on first use. An empty room may be
// swept right after Room returns; use Join to admit a participant.
func (g *Registry) Room(ctx context.Context, id string) (*Room, error) {
	return g.admit(ctx, id, nil)
}

// Join finds or creates the room for id and seats s in it as one step under
// the registry lock, so Sweep cannot drop the room in between.
func (g *Registry) Join(ctx context.Context, id string, s Sender) (*Room, *Participant, error) {
	var p *Participant
	r, err := g.admit(ctx, id, func(r *Room) error {
		var err error
		p, err = r.Join(s)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return r, p, nil
}

// admit runs seat, if any, while g.mu is held. Lock order is g.mu then r.mu.
func (g *Registry) admit(ctx context.Context, id string, seat func(*Room) error) (*Room, error) {
	id, err := g.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	for {
		existing, ok := g.Lookup(id)
		if ok && seat == nil {
			return existing, nil
		}
		var opts []RoomOption
		if !ok {
			// restore happens outside the lock; Redis I/O must not stall other rooms
			opts = []RoomOption{WithMirror(g.mirror), WithCatalog(g.catalog), WithClock(g.now)}
			if pos, ok := g.restore(ctx, id); ok {
				opts = append(opts, WithPosition(pos))
			}
		}

		g.mu.Lock()
		r, found := g.rooms[id]
		if !found && opts == nil {
			// swept since the lookup
			g.mu.Unlock()
			continue
		}
		if !found {
			r = NewRoom(id, g.oracle, opts...)
			g.rooms[id] = r
			metrics.Rooms.Set(float64(len(g.rooms)))
			obslog.L().Info("room_create", zap.String("room_id", id), zap.Int("ply", r.Snapshot().Position.Ply()))
		}
		if seat != nil {
			if err := seat(r); err != nil {
				g.mu.Unlock()
				return nil, err
			}
		}
		g.mu.Unlock()
		return r, nil
	}
}

func (g *Registry) restore(ctx context.Context, id string) (rules.Position, bool) {
	if g.restorer == nil {
		return rules.Position{}, false
	}
	snap, err := g.restorer.Load(ctx, id)
	if err != nil {
		obslog.L().Warn("room_restore_error", zap.String("room_id", id), zap.Error(err))
		return rules.Position{}, false
	}
	if snap == nil {
		return rules.Position{}, false
	}
	pos, err := g.oracle.Restore(snap.Position.MovesUCI)
	if err != nil {
		obslog.L().Warn("room_restore_replay_error", zap.String("room_id", id), zap.Error(err))
		return rules.Position{}, false
	}
	obslog.L().Info("room_restore", zap.String("room_id", id), zap.Int("ply", pos.Ply()))
	return pos, true
}

func (g *Registry) Lookup(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Rooms returns snapshots of all rooms ordered by id.
func (g *Registry) Rooms() []Snapshot {
	g.mu.RLock()
	list := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		list = append(list, r)
	}
	g.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, r := range list {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[id]; !ok {
		return false
	}
	delete(g.rooms, id)
	metrics.Rooms.Set(float64(len(g.rooms)))
	return true
}

// Sweep drops rooms that have been empty for longer than idle.
func (g *Registry) Sweep(idle time.Duration) []string {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []string
	for id, r := range g.rooms {
		if d, empty := r.Idle(now); empty && d > idle {
			delete(g.rooms, id)
			removed = append(removed, id)
		}
	}
	metrics.Rooms.Set(float64(len(g.rooms)))
	sort.Strings(removed)
	for _, id := range removed {
		obslog.L().Info("room_swept", zap.String("room_id", id))
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (g *Registry) StartSweeper(ctx context.Context, every, idle time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.Sweep(idle)
			}
		}
	}()
}
