package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// DealerConfig configures a Dealer
type DealerConfig struct {
	Addr      string
	Identity  string
	AuthToken string
	QueueSize int
	// TLS dials with TLS. Nil dials plaintext.
	TLS *tls.Config
}

// Dealer is one identified stream to a Router. Send may be called from one
// goroutine at a time; received frames arrive on Recv.
type Dealer struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	recv   chan []byte
	done   chan struct{}

	sendMu    sync.Mutex
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// Dial opens a stream to the router at cfg.Addr. ctx bounds only the dial;
// the stream lives until Close.
func Dial(ctx context.Context, cfg DealerConfig) (*Dealer, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	creds := insecure.NewCredentials()
	if cfg.TLS != nil {
		creds = credentials.NewTLS(cfg.TLS)
	}
	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectivity, cfg.Addr, err)
	}

	md := metadata.Pairs(IdentityKey, cfg.Identity)
	if cfg.AuthToken != "" {
		md.Append(AuthKey, "Bearer "+cfg.AuthToken)
	}
	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(context.Background(), md))

	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &exchangeServiceDesc.Streams[0], connectMethod)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectivity, cfg.Addr, err)
	}

	d := &Dealer{
		conn:   conn,
		stream: stream,
		cancel: cancel,
		recv:   make(chan []byte, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *Dealer) readLoop() {
	defer close(d.recv)
	for {
		var data []byte
		if err := d.stream.RecvMsg(&data); err != nil {
			if !errors.Is(err, io.EOF) {
				d.setErr(err)
			}
			return
		}
		select {
		case d.recv <- data:
		case <-d.done:
			return
		}
	}
}

// Recv returns the channel of frames from the router. It is closed when
// the stream ends; Err then reports why.
func (d *Dealer) Recv() <-chan []byte {
	return d.recv
}

// Err returns the error that ended the stream, if any.
func (d *Dealer) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

func (d *Dealer) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// Send sends one frame to the router.
func (d *Dealer) Send(data []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if err := d.stream.SendMsg(&data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return nil
}

// CloseSend tells the router no more frames will be sent. Frames from the
// router are still delivered until it closes the stream.
func (d *Dealer) CloseSend() error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.stream.CloseSend()
}

// Close tears down the stream and the connection.
func (d *Dealer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.cancel()
		err = d.conn.Close()
	})
	return err
}
