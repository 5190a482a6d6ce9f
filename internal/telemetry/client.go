package telemetry

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a telemetry server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects without transport security; the server is meant for a
// local or tailnet link.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Conn exposes the connection, for example to the health service.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

func method(name string) string { return "/" + serviceName + "/" + name }

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method("GetStatus"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetParameter(ctx context.Context, name string, v float64) error {
	in, err := structpb.NewStruct(map[string]any{"name": name, "value": v})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, method("SetParameter"), in, new(emptypb.Empty))
}

func (c *Client) Parameters(ctx context.Context) (map[string]float64, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method("ListParameters"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	params := make(map[string]float64, len(out.GetFields()))
	for k, v := range out.GetFields() {
		params[k] = v.GetNumberValue()
	}
	return params, nil
}

// Stream calls fn for each output, at most one per intervalMs, until ctx
// ends, the server closes the stream or fn returns an error.
func (c *Client) Stream(ctx context.Context, intervalMs uint32, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], method("StreamStatus"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.UInt32(intervalMs)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
