package convoy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"convoy/internal/proto"
)

const (
	handshakeTimeout = 10 * time.Second
	sendQueueDepth   = 128
	inflightStreams  = 256
)

// incomingEvent is what a session delivers onto the server's single
// ingress channel. Exactly one of the three cases is set: session (the
// handshake finished), cmd (a decoded command arrived on either channel),
// or lost (the transport died).
type incomingEvent struct {
	client  uint32
	session *Session
	cmd     proto.Command
	lost    bool
	failed  bool // handshake never completed; no session exists
}

// Session wraps one client's multiplexed connection. The two send queues
// are bounded and independent: ordered commands each ride a fresh uni
// stream, unreliable commands go out as datagrams and are dropped when the
// queue is full. Backpressure is always per-session; a stalled client
// never slows anyone else down.
//
// The identity fields (private, public) belong to the server loop
// goroutine once the session is handed over; the send/receive goroutines
// never touch them.
type Session struct {
	id   uint32
	conn *quic.Conn
	log  zerolog.Logger

	ordered    chan proto.Command
	unreliable chan proto.Command

	private proto.ClientInfo
	public  proto.PlayerInfo

	ctx      context.Context
	cancel   context.CancelFunc
	lostOnce sync.Once
}

// ID returns the session's opaque id.
func (s *Session) ID() uint32 { return s.id }

// Name returns the display name received during the handshake.
func (s *Session) Name() string { return s.public.Name }

// openSession performs the handshake and, on success, starts the send and
// receive loops and announces the session on events. The session is not
// established until a client-info command arrives on the first ordered
// sub-stream within the handshake window; a version mismatch or timeout
// closes the connection with a human-readable reason.
func openSession(parent context.Context, conn *quic.Conn, id uint32, events chan<- incomingEvent, log zerolog.Logger) (*Session, error) {
	hsCtx, hsCancel := context.WithTimeout(parent, handshakeTimeout)
	defer hsCancel()

	info, err := receiveClientInfo(hsCtx, conn)
	if err != nil {
		conn.CloseWithError(0, "failed to receive client info, client version mismatch?")
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if info.Version != proto.Version {
		reason := fmt.Sprintf("client version mismatch: client %d.%d, server %d.%d",
			info.Version[0], info.Version[1], proto.Version[0], proto.Version[1])
		conn.CloseWithError(0, reason)
		return nil, errors.New(reason)
	}
	name := info.Name
	if name == "" {
		name = "Unknown"
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:         id,
		conn:       conn,
		log:        log.With().Uint32("client", id).Str("player", name).Logger(),
		ordered:    make(chan proto.Command, sendQueueDepth),
		unreliable: make(chan proto.Command, sendQueueDepth),
		private:    info,
		public:     proto.PlayerInfo{Name: name, ID: id},
		ctx:        ctx,
		cancel:     cancel,
	}

	s.start(events)
	return s, nil
}

// start launches the session goroutines. The established event goes onto
// the ingress channel before the receive loops exist, so a command the
// client pipelined right behind its handshake can never reach the router
// ahead of the session itself.
func (s *Session) start(events chan<- incomingEvent) {
	go s.orderedLoop()
	go s.unreliableLoop()
	events <- incomingEvent{client: s.id, session: s}
	go s.receiveStreams(events)
	go s.receiveDatagrams(events)
}

func receiveClientInfo(ctx context.Context, conn *quic.Conn) (proto.ClientInfo, error) {
	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return proto.ClientInfo{}, err
	}
	payload, err := readFrame(stream)
	if err != nil {
		return proto.ClientInfo{}, err
	}
	cmd, err := proto.Decode(payload)
	if err != nil {
		return proto.ClientInfo{}, err
	}
	info, ok := cmd.(proto.ClientInfo)
	if !ok {
		return proto.ClientInfo{}, fmt.Errorf("expected client info, got %T", cmd)
	}
	return info, nil
}

// readFrame reads one length-prefixed payload from an ordered sub-stream.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 || length > proto.MaxFrameSize {
		return nil, fmt.Errorf("%w: claimed %d bytes", proto.ErrFrameTooBig, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SendOrdered queues a command for reliable in-order-per-stream delivery.
// It blocks while the queue is full until either context is done.
func (s *Session) SendOrdered(ctx context.Context, cmd proto.Command) error {
	select {
	case s.ordered <- cmd:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendUnreliable queues a command for best-effort datagram delivery. When
// the queue is full the command is silently dropped; high-frequency state
// is superseded by the next tick anyway.
func (s *Session) SendUnreliable(cmd proto.Command) {
	select {
	case s.unreliable <- cmd:
	case <-s.ctx.Done():
	default:
		s.log.Debug().Msg("unreliable queue full, dropping")
	}
}

func (s *Session) orderedLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.ordered:
			if err := s.writeOrdered(cmd); err != nil {
				s.log.Debug().Err(err).Msg("ordered send failed")
				s.cancel()
				return
			}
		}
	}
}

// writeOrdered opens a fresh uni stream per message; the transport's
// ordered primitive is a one-shot stream, not a persistent pipe. Ordering
// holds within a stream, never across streams.
func (s *Session) writeOrdered(cmd proto.Command) error {
	frame, err := proto.EncodeFrame(cmd)
	if err != nil {
		return err
	}
	stream, err := s.conn.OpenUniStreamSync(s.ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write(frame); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

func (s *Session) unreliableLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.unreliable:
			payload, err := proto.Encode(cmd)
			if err != nil {
				s.log.Warn().Err(err).Msg("dropping unencodable datagram")
				continue
			}
			if err := s.conn.SendDatagram(payload); err != nil {
				// Best effort: too-large or temporarily unsendable
				// datagrams are dropped, not fatal.
				s.log.Debug().Err(err).Msg("datagram send failed")
			}
		}
	}
}

// receiveStreams accepts ordered sub-streams concurrently, decodes each
// independently, and feeds the merged ingress channel. Concurrency is
// bounded so a client opening streams faster than it fills them cannot
// pin unbounded goroutines.
func (s *Session) receiveStreams(events chan<- incomingEvent) {
	if s.conn == nil {
		return
	}
	slots := make(chan struct{}, inflightStreams)
	for {
		stream, err := s.conn.AcceptUniStream(s.ctx)
		if err != nil {
			s.reportLost(events)
			return
		}
		slots <- struct{}{}
		go func(stream *quic.ReceiveStream) {
			defer func() { <-slots }()
			payload, err := readFrame(stream)
			if err != nil {
				s.log.Debug().Err(err).Msg("dropping unreadable stream")
				return
			}
			s.deliver(events, payload)
		}(stream)
	}
}

func (s *Session) receiveDatagrams(events chan<- incomingEvent) {
	if s.conn == nil {
		return
	}
	for {
		payload, err := s.conn.ReceiveDatagram(s.ctx)
		if err != nil {
			s.reportLost(events)
			return
		}
		s.deliver(events, payload)
	}
}

// deliver decodes one payload and merges it into the ingress stream. A
// malformed frame costs that frame only, never the connection.
func (s *Session) deliver(events chan<- incomingEvent, payload []byte) {
	cmd, err := proto.Decode(payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	select {
	case events <- incomingEvent{client: s.id, cmd: cmd}:
	case <-s.ctx.Done():
	}
}

func (s *Session) reportLost(events chan<- incomingEvent) {
	s.lostOnce.Do(func() {
		select {
		case events <- incomingEvent{client: s.id, lost: true}:
		case <-time.After(5 * time.Second):
		}
	})
}

// Close tears the session down: every pending send and in-flight read is
// cancelled and the peer sees the given reason.
func (s *Session) Close(reason string) {
	s.cancel()
	if s.conn != nil {
		s.conn.CloseWithError(0, reason)
	}
}
