// Package openapi implements the cTrader Open API wire protocol: a 4-byte
// big-endian length prefix followed by a Protocol Buffers envelope that
// carries a numeric payload type, the inner message bytes, and an optional
// client message id used for request/response correlation.
//
// The broker's message set is loaded at runtime from a declarative table
// rather than generated bindings, so schema revisions ship as data. Messages
// are built and read by field name through the protobuf reflection API.
package openapi

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Payload type numbers assigned by the broker schema. The 50-series comes
// from the common message set, the 2100-series from the Open API set.
const (
	PayloadTypeErrorRes       uint32 = 50
	PayloadTypeHeartbeatEvent uint32 = 51

	PayloadTypeApplicationAuthReq         uint32 = 2100
	PayloadTypeApplicationAuthRes         uint32 = 2101
	PayloadTypeAccountAuthReq             uint32 = 2102
	PayloadTypeAccountAuthRes             uint32 = 2103
	PayloadTypeVersionReq                 uint32 = 2104
	PayloadTypeVersionRes                 uint32 = 2105
	PayloadTypeSymbolsListReq             uint32 = 2114
	PayloadTypeSymbolsListRes             uint32 = 2115
	PayloadTypeSymbolByIDReq              uint32 = 2116
	PayloadTypeSymbolByIDRes              uint32 = 2117
	PayloadTypeSubscribeSpotsReq          uint32 = 2127
	PayloadTypeSubscribeSpotsRes          uint32 = 2128
	PayloadTypeUnsubscribeSpotsReq        uint32 = 2129
	PayloadTypeUnsubscribeSpotsRes        uint32 = 2130
	PayloadTypeSpotEvent                  uint32 = 2131
	PayloadTypeSubscribeLiveTrendbarReq   uint32 = 2135
	PayloadTypeUnsubscribeLiveTrendbarReq uint32 = 2136
	PayloadTypeGetTrendbarsReq            uint32 = 2137
	PayloadTypeGetTrendbarsRes            uint32 = 2138
	PayloadTypeOAErrorRes                 uint32 = 2142
	PayloadTypeClientDisconnectEvent      uint32 = 2148
	PayloadTypeSubscribeLiveTrendbarRes   uint32 = 2165
	PayloadTypeUnsubscribeLiveTrendbarRes uint32 = 2166
)

// Trendbar period values from the broker's ProtoOATrendbarPeriod enum.
const (
	TrendbarPeriodM1  int32 = 1
	TrendbarPeriodM5  int32 = 5
	TrendbarPeriodM15 int32 = 7
	TrendbarPeriodM30 int32 = 8
	TrendbarPeriodH1  int32 = 9
	TrendbarPeriodH4  int32 = 10
	TrendbarPeriodD1  int32 = 12
	TrendbarPeriodW1  int32 = 13
	TrendbarPeriodMN1 int32 = 14
)

// PriceDivisor converts wire prices (uint64, fixed-point) to price units.
// The broker transmits all spot and bar prices multiplied by 1e5 regardless
// of the symbol's digits.
const PriceDivisor = 100000.0

const schemaPackage = "ctrader"

type fieldSpec struct {
	name     string
	number   int32
	typ      descriptorpb.FieldDescriptorProto_Type
	typeName string // fully qualified, message and enum fields only
	repeated bool
}

type messageSpec struct {
	name        string
	payloadType uint32 // zero for nested message types
	constant    string // schema enum identifier, e.g. PROTO_OA_SPOT_EVENT
	fields      []fieldSpec
}

type enumSpec struct {
	name   string
	values []enumValueSpec
}

type enumValueSpec struct {
	name   string
	number int32
}

var brokerEnums = []enumSpec{
	{
		name: "ProtoOATrendbarPeriod",
		values: []enumValueSpec{
			{"M1", 1}, {"M2", 2}, {"M3", 3}, {"M4", 4}, {"M5", 5},
			{"M10", 6}, {"M15", 7}, {"M30", 8}, {"H1", 9}, {"H4", 10},
			{"H12", 11}, {"D1", 12}, {"W1", 13}, {"MN1", 14},
		},
	},
	{
		name:   "ProtoOAQuoteType",
		values: []enumValueSpec{{"BID", 1}, {"ASK", 2}},
	},
}

// brokerMessages declares the subset of the broker schema this service
// speaks. Field numbers match the published .proto files so frames remain
// wire compatible; field 1 is the broker's embedded payloadType and is left
// unused because the envelope already carries it.
var brokerMessages = []messageSpec{
	{
		name: "ProtoMessage",
		fields: []fieldSpec{
			{name: "payloadType", number: 1, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT32},
			{name: "payload", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_BYTES},
			{name: "clientMsgId", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
	{
		name: "ProtoOATrendbar",
		fields: []fieldSpec{
			{name: "volume", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "period", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_ENUM, typeName: "ProtoOATrendbarPeriod"},
			{name: "low", number: 5, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT64},
			{name: "deltaOpen", number: 6, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT64},
			{name: "deltaClose", number: 7, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT64},
			{name: "deltaHigh", number: 8, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT64},
			{name: "utcTimestampInMinutes", number: 9, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT32},
		},
	},
	{
		name: "ProtoOALightSymbol",
		fields: []fieldSpec{
			{name: "symbolId", number: 1, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "symbolName", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
			{name: "enabled", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_BOOL},
			{name: "description", number: 7, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
	{
		name: "ProtoOASymbol",
		fields: []fieldSpec{
			{name: "symbolId", number: 1, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "digits", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT32},
			{name: "pipPosition", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_INT32},
			{name: "measurementUnits", number: 15, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
	{
		name:        "ProtoErrorRes",
		payloadType: PayloadTypeErrorRes,
		constant:    "ERROR_RES",
		fields: []fieldSpec{
			{name: "errorCode", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
			{name: "description", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
			{name: "maintenanceEndTimestamp", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoHeartbeatEvent",
		payloadType: PayloadTypeHeartbeatEvent,
		constant:    "HEARTBEAT_EVENT",
	},
	{
		name:        "ProtoOAApplicationAuthReq",
		payloadType: PayloadTypeApplicationAuthReq,
		constant:    "PROTO_OA_APPLICATION_AUTH_REQ",
		fields: []fieldSpec{
			{name: "clientId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
			{name: "clientSecret", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
	{
		name:        "ProtoOAApplicationAuthRes",
		payloadType: PayloadTypeApplicationAuthRes,
		constant:    "PROTO_OA_APPLICATION_AUTH_RES",
	},
	{
		name:        "ProtoOAAccountAuthReq",
		payloadType: PayloadTypeAccountAuthReq,
		constant:    "PROTO_OA_ACCOUNT_AUTH_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "accessToken", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
	{
		name:        "ProtoOAAccountAuthRes",
		payloadType: PayloadTypeAccountAuthRes,
		constant:    "PROTO_OA_ACCOUNT_AUTH_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOAVersionReq",
		payloadType: PayloadTypeVersionReq,
		constant:    "PROTO_OA_VERSION_REQ",
	},
	{
		name:        "ProtoOAVersionRes",
		payloadType: PayloadTypeVersionRes,
		constant:    "PROTO_OA_VERSION_RES",
		fields: []fieldSpec{
			{name: "version", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
	{
		name:        "ProtoOASymbolsListReq",
		payloadType: PayloadTypeSymbolsListReq,
		constant:    "PROTO_OA_SYMBOLS_LIST_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "includeArchivedSymbols", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_BOOL},
		},
	},
	{
		name:        "ProtoOASymbolsListRes",
		payloadType: PayloadTypeSymbolsListRes,
		constant:    "PROTO_OA_SYMBOLS_LIST_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "symbol", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, typeName: "ProtoOALightSymbol", repeated: true},
		},
	},
	{
		name:        "ProtoOASymbolByIdReq",
		payloadType: PayloadTypeSymbolByIDReq,
		constant:    "PROTO_OA_SYMBOL_BY_ID_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "symbolId", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64, repeated: true},
		},
	},
	{
		name:        "ProtoOASymbolByIdRes",
		payloadType: PayloadTypeSymbolByIDRes,
		constant:    "PROTO_OA_SYMBOL_BY_ID_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "symbol", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, typeName: "ProtoOASymbol", repeated: true},
		},
	},
	{
		name:        "ProtoOASubscribeSpotsReq",
		payloadType: PayloadTypeSubscribeSpotsReq,
		constant:    "PROTO_OA_SUBSCRIBE_SPOTS_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "symbolId", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64, repeated: true},
			{name: "subscribeToSpotTimestamp", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_BOOL},
		},
	},
	{
		name:        "ProtoOASubscribeSpotsRes",
		payloadType: PayloadTypeSubscribeSpotsRes,
		constant:    "PROTO_OA_SUBSCRIBE_SPOTS_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOAUnsubscribeSpotsReq",
		payloadType: PayloadTypeUnsubscribeSpotsReq,
		constant:    "PROTO_OA_UNSUBSCRIBE_SPOTS_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "symbolId", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64, repeated: true},
		},
	},
	{
		name:        "ProtoOAUnsubscribeSpotsRes",
		payloadType: PayloadTypeUnsubscribeSpotsRes,
		constant:    "PROTO_OA_UNSUBSCRIBE_SPOTS_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOASpotEvent",
		payloadType: PayloadTypeSpotEvent,
		constant:    "PROTO_OA_SPOT_EVENT",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "symbolId", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "bid", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT64},
			{name: "ask", number: 5, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT64},
			{name: "trendbar", number: 6, typ: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, typeName: "ProtoOATrendbar", repeated: true},
			{name: "sessionClose", number: 7, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT64},
			{name: "timestamp", number: 8, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOASubscribeLiveTrendbarReq",
		payloadType: PayloadTypeSubscribeLiveTrendbarReq,
		constant:    "PROTO_OA_SUBSCRIBE_LIVE_TRENDBAR_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "period", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_ENUM, typeName: "ProtoOATrendbarPeriod"},
			{name: "symbolId", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOAUnsubscribeLiveTrendbarReq",
		payloadType: PayloadTypeUnsubscribeLiveTrendbarReq,
		constant:    "PROTO_OA_UNSUBSCRIBE_LIVE_TRENDBAR_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "period", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_ENUM, typeName: "ProtoOATrendbarPeriod"},
			{name: "symbolId", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOASubscribeLiveTrendbarRes",
		payloadType: PayloadTypeSubscribeLiveTrendbarRes,
		constant:    "PROTO_OA_SUBSCRIBE_LIVE_TRENDBAR_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOAUnsubscribeLiveTrendbarRes",
		payloadType: PayloadTypeUnsubscribeLiveTrendbarRes,
		constant:    "PROTO_OA_UNSUBSCRIBE_LIVE_TRENDBAR_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOAGetTrendbarsReq",
		payloadType: PayloadTypeGetTrendbarsReq,
		constant:    "PROTO_OA_GET_TRENDBARS_REQ",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "fromTimestamp", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "toTimestamp", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "period", number: 5, typ: descriptorpb.FieldDescriptorProto_TYPE_ENUM, typeName: "ProtoOATrendbarPeriod"},
			{name: "symbolId", number: 6, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "count", number: 7, typ: descriptorpb.FieldDescriptorProto_TYPE_UINT32},
		},
	},
	{
		name:        "ProtoOAGetTrendbarsRes",
		payloadType: PayloadTypeGetTrendbarsRes,
		constant:    "PROTO_OA_GET_TRENDBARS_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "period", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_ENUM, typeName: "ProtoOATrendbarPeriod"},
			{name: "timestamp", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "trendbar", number: 5, typ: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, typeName: "ProtoOATrendbar", repeated: true},
			{name: "symbolId", number: 6, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
		},
	},
	{
		name:        "ProtoOAErrorRes",
		payloadType: PayloadTypeOAErrorRes,
		constant:    "PROTO_OA_ERROR_RES",
		fields: []fieldSpec{
			{name: "ctidTraderAccountId", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_INT64},
			{name: "errorCode", number: 3, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
			{name: "description", number: 4, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
	{
		name:        "ProtoOAClientDisconnectEvent",
		payloadType: PayloadTypeClientDisconnectEvent,
		constant:    "PROTO_OA_CLIENT_DISCONNECT_EVENT",
		fields: []fieldSpec{
			{name: "reason", number: 2, typ: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		},
	},
}

// Schema holds the compiled broker message set and the two lookup indexes:
// payload type to message descriptor and message/constant name to payload
// type.
type Schema struct {
	files *protoregistry.Files
	types *protoregistry.Types

	envelope    protoreflect.MessageDescriptor
	envPayloadType protoreflect.FieldDescriptor
	envPayload     protoreflect.FieldDescriptor
	envClientMsgID protoreflect.FieldDescriptor

	byPayloadType map[uint32]protoreflect.MessageDescriptor
	byName        map[string]uint32 // message name, lower-cased
	byConstant    map[string]uint32 // schema enum identifier, upper-cased
	nameOf        map[uint32]string
}

// NewSchema compiles the declared broker message set into descriptors and
// builds the payload-type indexes.
func NewSchema() (*Schema, error) {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("ctrader/openapi.proto"),
		Package: proto.String(schemaPackage),
		Syntax:  proto.String("proto2"),
	}

	for _, es := range brokerEnums {
		edp := &descriptorpb.EnumDescriptorProto{Name: proto.String(es.name)}
		for _, v := range es.values {
			edp.Value = append(edp.Value, &descriptorpb.EnumValueDescriptorProto{
				Name:   proto.String(v.name),
				Number: proto.Int32(v.number),
			})
		}
		fdp.EnumType = append(fdp.EnumType, edp)
	}

	for _, ms := range brokerMessages {
		dp := &descriptorpb.DescriptorProto{Name: proto.String(ms.name)}
		for _, f := range ms.fields {
			label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
			if f.repeated {
				label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
			}
			fd := &descriptorpb.FieldDescriptorProto{
				Name:   proto.String(f.name),
				Number: proto.Int32(f.number),
				Label:  &label,
				Type:   f.typ.Enum(),
			}
			if f.typeName != "" {
				fd.TypeName = proto.String("." + schemaPackage + "." + f.typeName)
			}
			dp.Field = append(dp.Field, fd)
		}
		fdp.MessageType = append(fdp.MessageType, dp)
	}

	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		return nil, fmt.Errorf("openapi: compiling schema: %w", err)
	}

	s := &Schema{
		files:         new(protoregistry.Files),
		types:         new(protoregistry.Types),
		byPayloadType: make(map[uint32]protoreflect.MessageDescriptor),
		byName:        make(map[string]uint32),
		byConstant:    make(map[string]uint32),
		nameOf:        make(map[uint32]string),
	}
	if err := s.files.RegisterFile(fd); err != nil {
		return nil, fmt.Errorf("openapi: registering schema file: %w", err)
	}

	for _, ms := range brokerMessages {
		md := fd.Messages().ByName(protoreflect.Name(ms.name))
		if md == nil {
			return nil, fmt.Errorf("openapi: schema message %s missing after compile", ms.name)
		}
		if err := s.types.RegisterMessage(dynamicpb.NewMessageType(md)); err != nil {
			return nil, fmt.Errorf("openapi: registering %s: %w", ms.name, err)
		}
		if ms.payloadType != 0 {
			s.byPayloadType[ms.payloadType] = md
			s.byName[strings.ToLower(ms.name)] = ms.payloadType
			s.byConstant[ms.constant] = ms.payloadType
			s.nameOf[ms.payloadType] = ms.name
		}
	}

	env := fd.Messages().ByName("ProtoMessage")
	s.envelope = env
	s.envPayloadType = env.Fields().ByName("payloadType")
	s.envPayload = env.Fields().ByName("payload")
	s.envClientMsgID = env.Fields().ByName("clientMsgId")
	return s, nil
}

// Descriptor returns the message descriptor registered for a payload type.
func (s *Schema) Descriptor(payloadType uint32) (protoreflect.MessageDescriptor, bool) {
	md, ok := s.byPayloadType[payloadType]
	return md, ok
}

// MessageName returns the schema message name for a payload type, or a
// numeric placeholder when the type is not in the schema.
func (s *Schema) MessageName(payloadType uint32) string {
	if n, ok := s.nameOf[payloadType]; ok {
		return n
	}
	return "payloadType(" + strconv.FormatUint(uint64(payloadType), 10) + ")"
}

// ResolveIdentifier maps a message name ("ProtoOASubscribeSpotsReq"), a
// schema constant ("PROTO_OA_SUBSCRIBE_SPOTS_REQ"), or a raw number to a
// payload type known to the schema.
func (s *Schema) ResolveIdentifier(id any) (uint32, error) {
	switch v := id.(type) {
	case uint32:
		return s.checkPayloadType(v)
	case int:
		if v < 0 {
			return 0, &SchemaError{Message: "resolve identifier", Detail: fmt.Sprintf("negative payload type %d", v)}
		}
		return s.checkPayloadType(uint32(v))
	case int32:
		if v < 0 {
			return 0, &SchemaError{Message: "resolve identifier", Detail: fmt.Sprintf("negative payload type %d", v)}
		}
		return s.checkPayloadType(uint32(v))
	case int64:
		if v < 0 || v > int64(^uint32(0)) {
			return 0, &SchemaError{Message: "resolve identifier", Detail: fmt.Sprintf("payload type %d out of range", v)}
		}
		return s.checkPayloadType(uint32(v))
	case uint64:
		if v > uint64(^uint32(0)) {
			return 0, &SchemaError{Message: "resolve identifier", Detail: fmt.Sprintf("payload type %d out of range", v)}
		}
		return s.checkPayloadType(uint32(v))
	case string:
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return s.checkPayloadType(uint32(n))
		}
		if pt, ok := s.byName[strings.ToLower(v)]; ok {
			return pt, nil
		}
		if pt, ok := s.byConstant[strings.ToUpper(v)]; ok {
			return pt, nil
		}
		return 0, &SchemaError{Message: "resolve identifier", Detail: fmt.Sprintf("unknown message %q", v)}
	default:
		return 0, &SchemaError{Message: "resolve identifier", Detail: fmt.Sprintf("unsupported identifier type %T", id)}
	}
}

func (s *Schema) checkPayloadType(pt uint32) (uint32, error) {
	if _, ok := s.byPayloadType[pt]; !ok {
		return 0, &SchemaError{Message: "resolve identifier", Detail: fmt.Sprintf("payload type %d not in schema", pt)}
	}
	return pt, nil
}
