package flight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/quarrel-patch/internal/patching"
)

// Client requests layer reports from a Flight server.
type Client struct {
	client flight.Client
	addr   string
}

func Dial(addr string) (*Client, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{client: c, addr: addr}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Analyze runs the pipeline remotely. An unsupported sentence comes back as
// a Result with Error set, as it does locally.
func (c *Client) Analyze(ctx context.Context, sentence string, layers int) (*patching.Result, error) {
	b, err := json.Marshal(Ticket{Sentence: sentence, Layers: layers})
	if err != nil {
		return nil, err
	}
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: b})
	if err != nil {
		return nil, fmt.Errorf("DoGet %s: %w", c.addr, err)
	}
	rd, err := flight.NewRecordReader(stream)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument && strings.Contains(st.Message(), patching.UnsupportedMessage) {
			return &patching.Result{Error: patching.UnsupportedMessage}, nil
		}
		return nil, fmt.Errorf("reading report: %w", err)
	}
	defer rd.Release()

	if !rd.Next() {
		if err := rd.Err(); err != nil {
			return nil, fmt.Errorf("reading report: %w", err)
		}
		return nil, fmt.Errorf("server sent no record")
	}
	return ResultFromRecord(rd.Schema(), rd.Record())
}

// Schema fetches the report schema without running an analysis.
func (c *Client) Schema(ctx context.Context) (*arrow.Schema, error) {
	res, err := c.client.GetSchema(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte("report")})
	if err != nil {
		return nil, fmt.Errorf("GetSchema %s: %w", c.addr, err)
	}
	return flight.DeserializeSchema(res.GetSchema(), memory.DefaultAllocator)
}
