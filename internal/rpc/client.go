package rpc

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"FlowWarden/internal/bridge"
	"FlowWarden/internal/model"
	"FlowWarden/internal/sink"
)

// Client calls FlowService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, name string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/HealthCheck", new(emptypb.Empty), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Snapshot returns up to limit flows of the named view, newest first.
func (c *Client) Snapshot(ctx context.Context, view string, limit int) ([]model.Flow, error) {
	out, err := c.invoke(ctx, "Snapshot", map[string]any{"view": view, "limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeFlows(out)
}

func (c *Client) ResolveDeferred(ctx context.Context, id uuid.UUID, allow bool) error {
	_, err := c.invoke(ctx, "ResolveDeferred", map[string]any{"id": id.String(), "allow": allow})
	return err
}

// Lookup returns the hostname bound to addr and the kind of record behind it.
func (c *Client) Lookup(ctx context.Context, addr netip.Addr) (hostname, source string, err error) {
	out, err := c.invoke(ctx, "Lookup", map[string]any{"address": addr.String()})
	if err != nil {
		return "", "", err
	}
	return out.Fields["hostname"].GetStringValue(), out.Fields["source"].GetStringValue(), nil
}

func (c *Client) History(ctx context.Context, q sink.HistoryQuery) ([]model.Flow, error) {
	in := map[string]any{"hostname": q.Hostname, "decision": q.Decision, "limit": q.Limit}
	if !q.Since.IsZero() {
		in["since"] = q.Since.Format(time.RFC3339)
	}
	if !q.Until.IsZero() {
		in["until"] = q.Until.Format(time.RFC3339)
	}
	out, err := c.invoke(ctx, "History", in)
	if err != nil {
		return nil, err
	}
	return decodeFlows(out)
}

func decodeFlows(out *structpb.Struct) ([]model.Flow, error) {
	values := out.GetFields()["flows"].GetListValue().GetValues()
	flows := make([]model.Flow, 0, len(values))
	for _, v := range values {
		f, err := bridge.FlowFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}
