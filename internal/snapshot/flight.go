package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-core/internal/logger"
)

// Client publishes and fetches tensors over Arrow Flight. Tensors are
// addressed by name: DoPut carries it in the descriptor path, DoGet in the
// ticket.
type Client struct {
	client flight.Client
	addr   string
}

// Dial connects to a Flight endpoint at host:port. The connection is
// established lazily on first use.
func Dial(addr string) (*Client, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("snapshot: dial %s: %w", addr, err)
	}
	return &Client{client: c, addr: addr}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Put uploads t, replacing any tensor already stored under its name.
func (c *Client) Put(ctx context.Context, t Tensor) error {
	rec, err := Record(memory.DefaultAllocator, t)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: put %q: %w", t.Name, err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{t.Name}})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("snapshot: put %q: %w", t.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshot: put %q: %w", t.Name, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("snapshot: put %q: %w", t.Name, err)
	}
	// drain acks; a server-side failure surfaces here
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("snapshot: put %q: %w", t.Name, err)
		}
	}
	logger.Log.Debug("snapshot published", "name", t.Name, "rows", t.Rows, "cols", t.Cols, "addr", c.addr)
	return nil
}

// Get fetches the tensor stored under name.
func (c *Client) Get(ctx context.Context, name string) (Tensor, error) {
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return Tensor{}, fetchError(name, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return Tensor{}, fetchError(name, err)
	}
	defer rdr.Release()
	t, err := collect(rdr)
	if err != nil {
		return Tensor{}, fetchError(name, err)
	}
	return t, nil
}

func fetchError(name string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return fmt.Errorf("snapshot: get %q: %w", name, err)
}

// Store is an in-memory Flight service holding the latest tensor per name.
type Store struct {
	flight.BaseFlightServer

	mu      sync.RWMutex
	tensors map[string]Tensor
	server  flight.Server
}

func NewStore() *Store {
	return &Store{tensors: make(map[string]Tensor)}
}

// Serve listens on addr and serves in the background until Shutdown. Use
// "localhost:0" for an ephemeral port and read it back with Addr.
func (s *Store) Serve(addr string) error {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return fmt.Errorf("snapshot: listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(s)
	s.server = srv

	log := logger.Log.With("component", "snapshot")
	log.Info("flight store listening", "addr", srv.Addr().String())
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("flight store stopped", "err", err)
		}
	}()
	return nil
}

func (s *Store) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr().String()
}

func (s *Store) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
	}
}

// Names lists the stored tensors in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tensors))
	for n := range s.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Store) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "open stream: %v", err)
	}
	defer rdr.Release()

	t, err := collect(rdr)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if desc := rdr.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		t.Name = desc.Path[0]
	}
	if t.Name == "" {
		return status.Error(codes.InvalidArgument, "tensor has no name")
	}

	s.mu.Lock()
	s.tensors[t.Name] = t
	s.mu.Unlock()
	logger.Log.Debug("snapshot stored", "name", t.Name, "rows", t.Rows, "cols", t.Cols)
	return nil
}

func (s *Store) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	s.mu.RLock()
	t, ok := s.tensors[name]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "no tensor %q", name)
	}

	rec, err := Record(memory.DefaultAllocator, t)
	if err != nil {
		return status.Errorf(codes.Internal, "%v", err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer w.Close()
	return w.Write(rec)
}
