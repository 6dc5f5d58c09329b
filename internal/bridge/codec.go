package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"FlowWarden/internal/events"
	"FlowWarden/internal/model"
)

// ErrBadPayload is returned for messages that do not decode.
var ErrBadPayload = errors.New("bad payload")

// EncodeAttributes serializes host attributes as a protobuf Struct.
func EncodeAttributes(attrs map[string]string) ([]byte, error) {
	fields := make(map[string]*structpb.Value, len(attrs))
	for k, v := range attrs {
		fields[k] = structpb.NewStringValue(v)
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// DecodeAttributes parses a protobuf Struct into host attributes. Numbers and
// booleans are accepted and rendered as their decimal text.
func DecodeAttributes(data []byte) (map[string]string, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	attrs := make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			attrs[k] = kind.StringValue
		case *structpb.Value_NumberValue:
			attrs[k] = strconv.FormatFloat(kind.NumberValue, 'f', -1, 64)
		case *structpb.Value_BoolValue:
			attrs[k] = strconv.FormatBool(kind.BoolValue)
		default:
			return nil, fmt.Errorf("%w: attribute %q is not a scalar", ErrBadPayload, k)
		}
	}
	return attrs, nil
}

// EncodeVerdict serializes the answer to a flow request.
func EncodeVerdict(id string, allow bool) ([]byte, error) {
	return proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":    structpb.NewStringValue(id),
		"allow": structpb.NewBoolValue(allow),
	}})
}

// DecodeVerdict parses the answer to a flow request.
func DecodeVerdict(data []byte) (id string, allow bool, err error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	v, ok := s.Fields["allow"].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return "", false, fmt.Errorf("%w: verdict without allow field", ErrBadPayload)
	}
	return s.Fields["id"].GetStringValue(), v.BoolValue, nil
}

// EncodeEvent serializes a bus event for remote observers.
func EncodeEvent(e events.Event) ([]byte, error) {
	s, err := eventStruct(e)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func eventStruct(e events.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind": e.Kind().String(),
		"id":   e.FlowID().String(),
	}
	switch ev := e.(type) {
	case events.NewAllowedFlow:
		fields["flow"] = ev.Flow
	case events.NewDeniedFlow:
		fields["flow"] = ev.Flow
	case events.NewDeferredFlow:
		fields["flow"] = ev.Flow
	case events.UpdatedFlow:
		fields["bytesIn"] = ev.BytesIn
		fields["bytesOut"] = ev.BytesOut
	}
	if f, ok := fields["flow"]; ok {
		m, err := toMap(f)
		if err != nil {
			return nil, err
		}
		fields["flow"] = m
	}
	if v, ok := fields["bytesIn"].(uint64); ok {
		fields["bytesIn"] = float64(v)
		fields["bytesOut"] = float64(fields["bytesOut"].(uint64))
	}
	return structpb.NewStruct(fields)
}

// DecodeEvent parses an event produced by EncodeEvent.
func DecodeEvent(data []byte) (events.Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	id, err := uuid.Parse(s.Fields["id"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("%w: event id: %v", ErrBadPayload, err)
	}

	kind := s.Fields["kind"].GetStringValue()
	switch kind {
	case events.KindUpdatedFlow.String():
		return events.UpdatedFlow{
			ID:       id,
			BytesIn:  uint64(s.Fields["bytesIn"].GetNumberValue()),
			BytesOut: uint64(s.Fields["bytesOut"].GetNumberValue()),
		}, nil
	case events.KindClosedFlow.String():
		return events.ClosedFlow{ID: id}, nil
	}

	var flow model.Flow
	if err := fromStruct(s.Fields["flow"].GetStructValue(), &flow); err != nil {
		return nil, err
	}
	switch kind {
	case events.KindNewAllowedFlow.String():
		return events.NewAllowedFlow{Flow: flow}, nil
	case events.KindNewDeniedFlow.String():
		return events.NewDeniedFlow{Flow: flow}, nil
	case events.KindNewDeferredFlow.String():
		return events.NewDeferredFlow{Flow: flow}, nil
	}
	return nil, fmt.Errorf("%w: unknown event kind %q", ErrBadPayload, kind)
}

// FlowStruct converts a flow to a protobuf Struct using its JSON field names.
func FlowStruct(f model.Flow) (*structpb.Struct, error) {
	m, err := toMap(f)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FlowFromStruct is the inverse of FlowStruct.
func FlowFromStruct(s *structpb.Struct) (model.Flow, error) {
	var f model.Flow
	err := fromStruct(s, &f)
	return f, err
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return m, nil
}

func fromStruct(s *structpb.Struct, dst any) error {
	if s == nil {
		return fmt.Errorf("%w: missing struct", ErrBadPayload)
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
