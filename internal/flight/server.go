package flight

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/metrics"
	"github.com/23skdu/quarrel-patch/internal/patching"
)

// Analyzer runs the patching pipeline. *patching.Pipeline satisfies it.
type Analyzer interface {
	Run(ctx context.Context, sentence string, layers int) (*patching.Result, error)
}

// Ticket is the JSON body of a DoGet ticket.
type Ticket struct {
	Sentence string `json:"sentence"`
	Layers   int    `json:"layers,omitempty"`
}

// Service answers DoGet with the layer report for the ticket's sentence.
type Service struct {
	flight.BaseFlightServer

	analyzer Analyzer
	slots    *semaphore.Weighted
	mem      memory.Allocator
}

// NewService returns a service. slots bounds concurrent analyses and may be
// shared with other transports; nil means unbounded.
func NewService(a Analyzer, slots *semaphore.Weighted) *Service {
	return &Service{analyzer: a, slots: slots, mem: memory.DefaultAllocator}
}

func (s *Service) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	return &flight.SchemaResult{Schema: flight.SerializeSchema(BaseSchema(), s.mem)}, nil
}

func (s *Service) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	defer func() { metrics.RecordFlightStream(err) }()

	var t Ticket
	if err := json.Unmarshal(tkt.GetTicket(), &t); err != nil || strings.TrimSpace(t.Sentence) == "" {
		return status.Error(codes.InvalidArgument, `ticket must be JSON {"sentence": "..."}`)
	}

	ctx := stream.Context()
	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return status.FromContextError(err).Err()
		}
		defer s.slots.Release(1)
	}

	res, err := s.analyzer.Run(ctx, t.Sentence, t.Layers)
	if err != nil {
		logger.Log.Error("Flight analysis failed", "sentence", t.Sentence, "error", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
		return status.Error(codes.Internal, "analysis failed")
	}
	if res.Unsupported() {
		return status.Error(codes.InvalidArgument, res.Error)
	}

	rec := BuildRecord(s.mem, res)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	defer w.Close()
	return w.Write(rec)
}

// Server hosts a Service over gRPC.
type Server struct {
	srv flight.Server
}

func NewServer(svc *Service) *Server {
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(svc)
	return &Server{srv: srv}
}

// Listen binds addr. Use port 0 for an ephemeral port.
func (s *Server) Listen(addr string) error {
	return s.srv.Init(addr)
}

func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	logger.Log.Info("Flight server listening", "addr", s.Addr().String())
	return s.srv.Serve()
}

func (s *Server) Shutdown() {
	s.srv.Shutdown()
}
