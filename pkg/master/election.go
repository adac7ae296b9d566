package master

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/dispatch"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// ErrAlienCluster is returned to a peer whose RequestIdentification names
// a different cluster than ours.
var ErrAlienCluster = errors.New("master: alien cluster name")

// Config carries the per-master identity needed to run an election: this
// master's own UUID/address, the cluster name every peer must match, and
// the full set of configured master addresses (including this one).
type Config struct {
	UUID        ids.UUID
	Address     string
	ClusterName string
	Peers       []string
}

// peerState tracks one master connection through the election handshake:
// negotiating once the TCP link is up, identified once both sides have
// exchanged RequestIdentification, answered once AskPrimary's reply has
// arrived.
type peerState struct {
	addr       string
	conn       *conn.Connection
	uuid       ids.UUID
	negotiated bool
	answered   bool
}

// Elector runs the lowest-UUID election protocol among a fixed set of
// configured master addresses: dial every peer, exchange identification
// in both directions on every link, collect AnswerPrimary from everyone
// reachable, and either announce itself primary or recognize another
// master's announcement. Two masters announcing different winners voids
// the round; the caller re-enters Run.
type Elector struct {
	cfg Config
	log zerolog.Logger
	d   *dispatch.Dispatcher

	mu      sync.Mutex
	peers   map[*conn.Connection]*peerState
	primary ids.UUID // zero until known

	resultCh chan Result
	once     sync.Once
}

// Result is delivered once an election round concludes, either because
// this master won or because another master's identity was accepted.
type Result struct {
	PrimaryUUID ids.UUID
	IsPrimary   bool
	// Conn is the connection to the winning primary, set only when
	// another master won; it is handed off to the post-election handler.
	Conn *conn.Connection
	// Void is true when the round must be discarded and retried (two
	// conflicting announcements, or ctx cancellation).
	Void bool
}

// NewElector builds an Elector for cfg, using d to correlate requests
// sent over connections this Elector owns during the handshake.
func NewElector(cfg Config, d *dispatch.Dispatcher, log zerolog.Logger) *Elector {
	return &Elector{
		cfg:      cfg,
		log:      log.With().Str("component", "election").Logger(),
		d:        d,
		peers:    make(map[*conn.Connection]*peerState),
		resultCh: make(chan Result, 1),
	}
}

// Run dials every configured peer address, accepts inbound connections on
// listener, and blocks until a winner is determined or ctx is canceled.
func (e *Elector) Run(ctx context.Context, listener net.Listener) (Result, error) {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, addr := range e.cfg.Peers {
		if addr == e.cfg.Address {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			e.dialPeer(roundCtx, addr)
		}(addr)
	}

	if listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.acceptPeers(roundCtx, listener)
		}()
	}

	select {
	case res := <-e.resultCh:
		cancel()
		wg.Wait()
		return res, nil
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return Result{Void: true}, ctx.Err()
	}
}

func (e *Elector) dialPeer(ctx context.Context, addr string) {
	d := &net.Dialer{Timeout: 5 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		e.handshake(ctx, conn.New(nc, nil, e.log), addr)
		return
	}
}

func (e *Elector) acceptPeers(ctx context.Context, listener net.Listener) {
	// Accept does not watch ctx: a deadline unblocks it once the round ends,
	// and is cleared again on return so the listener stays usable afterwards.
	if dl, ok := listener.(interface{ SetDeadline(time.Time) error }); ok {
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			select {
			case <-ctx.Done():
				_ = dl.SetDeadline(time.Now())
			case <-stop:
			}
		}()
		defer func() {
			close(stop)
			<-done
			_ = dl.SetDeadline(time.Time{})
		}()
	}
	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.log.Warn().Err(err).Msg("election: accept failed")
				continue
			}
		}
		go e.handshake(ctx, conn.New(nc, nil, e.log), "")
	}
}

// handshake installs the election handler on c, registers a peerState,
// exchanges identification (each side sends its own
// RequestIdentification so both directions learn the other's UUID), and
// then asks for the peer's election vote.
func (e *Elector) handshake(ctx context.Context, c *conn.Connection, addr string) {
	h := &electionHandler{e: e, c: c}
	c.SetHandler(h)

	e.mu.Lock()
	e.peers[c] = &peerState{addr: addr, conn: c}
	e.mu.Unlock()

	if err := c.Send(ctx, c.NextID(), &proto.RequestIdentification{
		UUID:        e.cfg.UUID,
		Role:        e.cfg.UUID.Role(),
		Address:     e.cfg.Address,
		ClusterName: e.cfg.ClusterName,
	}); err != nil {
		c.Close()
		return
	}

	// Give the peer a moment to complete its own half of the handshake
	// before asking for its vote; AskPrimary is retried by the caller's
	// retry loop (Run is re-entered) if this races and loses a reachable
	// peer for one round.
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	ans, err := e.d.Send(ctx, c, &proto.AskPrimary{})
	if err != nil {
		e.log.Debug().Err(err).Str("addr", addr).Msg("election: AskPrimary failed")
		return
	}
	av, ok := ans.(*proto.AnswerPrimary)
	if !ok {
		return
	}

	e.mu.Lock()
	ps := e.peers[c]
	ps.answered = true
	if !av.PrimaryUUID.Zero() {
		e.notePrimaryLocked(av.PrimaryUUID, c)
	}
	allAnswered := e.allAnsweredLocked()
	e.mu.Unlock()

	if allAnswered {
		e.concludeIfWinner()
	}
}

func (e *Elector) allAnsweredLocked() bool {
	for _, ps := range e.peers {
		if ps.negotiated && !ps.answered {
			return false
		}
	}
	return true
}

// notePrimaryLocked records that a peer has announced itself primary.
// Caller holds e.mu.
func (e *Elector) notePrimaryLocked(uuid ids.UUID, c *conn.Connection) {
	if e.primary.Zero() {
		e.primary = uuid
		e.deliverOnce(Result{PrimaryUUID: uuid, IsPrimary: uuid == e.cfg.UUID, Conn: c})
		return
	}
	if e.primary != uuid {
		e.deliverOnce(Result{Void: true})
	}
}

// concludeIfWinner checks whether every reachable peer has answered and,
// if this master's UUID is the minimum among them, announces itself.
func (e *Elector) concludeIfWinner() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primary.Zero() {
		return
	}
	min := e.cfg.UUID
	for _, ps := range e.peers {
		if ps.negotiated && ps.answered && ps.uuid.Less(min) {
			min = ps.uuid
		}
	}
	if min != e.cfg.UUID {
		return
	}
	e.primary = e.cfg.UUID
	for c, ps := range e.peers {
		if ps.negotiated {
			_ = c.Send(context.Background(), c.NextID(), &proto.AnnouncePrimaryMaster{UUID: e.cfg.UUID})
		}
	}
	e.deliverOnce(Result{PrimaryUUID: e.cfg.UUID, IsPrimary: true})
}

func (e *Elector) deliverOnce(res Result) {
	e.once.Do(func() {
		e.resultCh <- res
	})
}

// electionHandler answers RequestIdentification/AskPrimary/
// AnnouncePrimaryMaster/ReelectPrimaryMaster on one connection the
// Elector owns during the handshake.
type electionHandler struct {
	e *Elector
	c *conn.Connection
}

func (h *electionHandler) HandlePacket(c *conn.Connection, id uint32, p proto.Packet) error {
	if h.e.d.Dispatch(c, id, p) {
		return nil
	}
	switch pk := p.(type) {
	case *proto.RequestIdentification:
		if pk.ClusterName != h.e.cfg.ClusterName {
			_ = c.Send(context.Background(), id, proto.NewError(ErrAlienCluster))
			return ErrAlienCluster
		}
		if pk.UUID == h.e.cfg.UUID {
			_ = c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
			return protoerr.ErrInternal
		}
		h.e.mu.Lock()
		ps, ok := h.e.peers[c]
		if !ok {
			ps = &peerState{conn: c}
			h.e.peers[c] = ps
		}
		ps.uuid = pk.UUID
		ps.negotiated = true
		h.e.mu.Unlock()
		c.SetPeer(pk.UUID)
		return c.Send(context.Background(), id, &proto.AcceptIdentification{YourUUID: pk.UUID})
	case *proto.AskPrimary:
		h.e.mu.Lock()
		primary := h.e.primary
		h.e.mu.Unlock()
		return c.Send(context.Background(), id, &proto.AnswerPrimary{PrimaryUUID: primary})
	case *proto.AnnouncePrimaryMaster:
		h.e.mu.Lock()
		h.e.notePrimaryLocked(pk.UUID, c)
		h.e.mu.Unlock()
		return nil
	case *proto.ReelectPrimaryMaster:
		h.e.mu.Lock()
		h.e.primary = ids.UUID{}
		h.e.deliverOnce(Result{Void: true})
		h.e.mu.Unlock()
		return nil
	default:
		return nil
	}
}

func (h *electionHandler) OnClose(c *conn.Connection) {
	h.e.mu.Lock()
	delete(h.e.peers, c)
	h.e.mu.Unlock()
}
