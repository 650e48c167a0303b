package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/cuemby/attune/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys sent by dealers
const (
	IdentityKey = "attune-identity"
	AuthKey     = "authorization"
)

var (
	// ErrConnectivity is wrapped by errors caused by a lost or unreachable
	// peer. The caller reconnects; it is never fatal.
	ErrConnectivity = errors.New("connectivity failure")

	// ErrUnknownPeer is returned when sending to an identity with no stream.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrQueueFull is returned when a peer's outbound queue is full.
	ErrQueueFull = errors.New("peer queue full")
)

// InboundKind tells data apart from connection events
type InboundKind int

const (
	InboundData InboundKind = iota
	InboundConnected
	InboundDisconnected
)

// Inbound is a frame or connection event delivered by the Router
type Inbound struct {
	Kind     InboundKind
	Identity string
	Data     []byte
}

// RouterConfig configures a Router
type RouterConfig struct {
	Addr      string
	AuthToken string
	// QueueSize bounds each peer's outbound queue and the shared inbound
	// queue is sixteen times larger.
	QueueSize int
	// TLS enables TLS on the listener. Nil serves plaintext.
	TLS *tls.Config
}

type peer struct {
	out      chan []byte
	replaced chan struct{}
}

// Router accepts streams from many dealers and routes frames by identity.
// One goroutine reads Inbound; Send may be called from any goroutine.
type Router struct {
	cfg      RouterConfig
	server   *grpc.Server
	listener net.Listener
	inbound  chan Inbound

	mu    sync.Mutex
	peers map[string]*peer

	logger zerolog.Logger
}

// NewRouter creates a router. Call Start to accept connections.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	r := &Router{
		cfg:     cfg,
		inbound: make(chan Inbound, cfg.QueueSize*16),
		peers:   make(map[string]*peer),
		logger:  log.WithComponent("router"),
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.StreamInterceptor(AuthInterceptor(cfg.AuthToken)),
	}
	if cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLS)))
	}
	r.server = grpc.NewServer(opts...)
	r.server.RegisterService(&exchangeServiceDesc, r)
	return r
}

// Start binds the listen address and serves in the background.
func (r *Router) Start() error {
	lis, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.cfg.Addr, err)
	}
	r.listener = lis

	go func() {
		if err := r.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			r.logger.Error().Err(err).Msg("router stopped serving")
		}
	}()

	r.logger.Info().Str("addr", lis.Addr().String()).Msg("router listening")
	return nil
}

// Addr returns the bound address, useful with port 0.
func (r *Router) Addr() string {
	if r.listener == nil {
		return r.cfg.Addr
	}
	return r.listener.Addr().String()
}

// Inbound returns the channel of received frames and connection events.
func (r *Router) Inbound() <-chan Inbound {
	return r.inbound
}

// Send queues data for the peer with the given identity.
func (r *Router) Send(identity string, data []byte) error {
	r.mu.Lock()
	p, ok := r.peers[identity]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, identity)
	}

	select {
	case p.out <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, identity)
	}
}

// Peers returns the identities with an open stream, sorted.
func (r *Router) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop closes every stream and the listener.
func (r *Router) Stop() {
	r.server.Stop()
}

// Connect serves one dealer stream. A newer stream with the same identity
// replaces this one.
func (r *Router) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	identity := identityFrom(ctx)
	if identity == "" {
		return status.Error(codes.InvalidArgument, "missing "+IdentityKey+" metadata")
	}

	p := &peer{out: make(chan []byte, r.cfg.QueueSize), replaced: make(chan struct{})}
	r.register(identity, p)
	defer r.unregister(identity, p)

	r.deliver(ctx, Inbound{Kind: InboundConnected, Identity: identity})

	recvErr := make(chan error, 1)
	go func() {
		for {
			var data []byte
			if err := stream.RecvMsg(&data); err != nil {
				recvErr <- err
				return
			}
			r.deliver(ctx, Inbound{Kind: InboundData, Identity: identity, Data: data})
		}
	}()

	for {
		select {
		case data := <-p.out:
			if err := stream.SendMsg(&data); err != nil {
				return err
			}
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-p.replaced:
			return status.Error(codes.Aborted, "replaced by a newer connection")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) register(identity string, p *peer) {
	r.mu.Lock()
	old, ok := r.peers[identity]
	r.peers[identity] = p
	r.mu.Unlock()

	if ok {
		close(old.replaced)
		r.logger.Debug().Str("identity", identity).Msg("peer reconnected, replacing stream")
	}
}

func (r *Router) unregister(identity string, p *peer) {
	r.mu.Lock()
	current := r.peers[identity] == p
	if current {
		delete(r.peers, identity)
	}
	r.mu.Unlock()

	if current {
		select {
		case r.inbound <- Inbound{Kind: InboundDisconnected, Identity: identity}:
		default:
		}
	}
}

func (r *Router) deliver(ctx context.Context, in Inbound) {
	select {
	case r.inbound <- in:
	case <-ctx.Done():
	}
}

func identityFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(IdentityKey); len(v) > 0 {
		return v[0]
	}
	return ""
}
