package replica

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTransportClosed is returned by Send after the transport shuts down.
var ErrTransportClosed = errors.New("replica: transport closed")

// Transport carries sync messages over an existing inter-process
// channel. Delivery is best-effort: implementations may drop messages,
// and receivers must tolerate duplicates.
type Transport interface {
	// Send publishes one message to the peer process(es).
	Send(ctx context.Context, m Message) error

	// Receive blocks until a message arrives, the transport closes
	// (io.EOF) or ctx is done.
	Receive(ctx context.Context) (Message, error)

	Close() error
}

// PipeTransport frames messages as JSON lines over a byte stream,
// typically the stdio pipe between a parent and child process. Lines on
// the stream that are not valid sync messages are skipped, so the pipe
// can carry other traffic.
type PipeTransport struct {
	mu sync.Mutex // serializes writers so frames never interleave
	w  io.Writer

	scanner *bufio.Scanner
	closer  io.Closer
	closed  chan struct{}
	once    sync.Once
}

// NewPipeTransport wraps a read/write stream pair. closer may be nil
// when the caller owns stream shutdown (e.g. stdio).
func NewPipeTransport(r io.Reader, w io.Writer, closer io.Closer) *PipeTransport {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &PipeTransport{
		w:       w,
		scanner: sc,
		closer:  closer,
		closed:  make(chan struct{}),
	}
}

func (p *PipeTransport) Send(ctx context.Context, m Message) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode sync message: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(data); err != nil {
		return fmt.Errorf("write sync message: %w", err)
	}
	return nil
}

// Receive scans lines until one decodes as a sync message. It is not
// safe for concurrent use; the replicator runs a single receive loop.
func (p *PipeTransport) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-p.closed:
			return Message{}, io.EOF
		case <-ctx.Done():
			return Message{}, ctx.Err()
		default:
		}
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				return Message{}, err
			}
			return Message{}, io.EOF
		}
		line := p.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil || m.Type != MessageType {
			continue
		}
		return m, nil
	}
}

func (p *PipeTransport) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}

// MemoryTransport is an in-process channel pair, used by tests and by
// same-process replica pairs.
type MemoryTransport struct {
	out    chan<- Message
	in     <-chan Message
	closed chan struct{}
	once   sync.Once
}

// NewMemoryPair returns two connected transports: what one side sends,
// the other receives.
func NewMemoryPair(buffer int) (*MemoryTransport, *MemoryTransport) {
	ab := make(chan Message, buffer)
	ba := make(chan Message, buffer)
	a := &MemoryTransport{out: ab, in: ba, closed: make(chan struct{})}
	b := &MemoryTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (t *MemoryTransport) Send(ctx context.Context, m Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case t.out <- m:
		return nil
	}
}

func (t *MemoryTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-t.closed:
		return Message{}, io.EOF
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m, ok := <-t.in:
		if !ok {
			return Message{}, io.EOF
		}
		return m, nil
	}
}

func (t *MemoryTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
