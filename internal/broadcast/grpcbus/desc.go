// Package grpcbus implements a networked broadcast transport over a gRPC
// bidirectional stream. A bus Server relays frames between the streams
// joined to the same topic, and Transport is the client side.
package grpcbus

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "tabsync.Bus"
	subscribeName  = "Subscribe"
	subscribeRoute = "/" + serviceName + "/" + subscribeName
)

// Stream metadata. The client names its topic and sender in the request
// headers and the bus acknowledges the join in its response headers.
const (
	mdTopic  = "tabsync-topic"
	mdSender = "tabsync-sender"
	mdJoined = "tabsync-joined"
)

// maxMessageSize bounds a single frame on the Subscribe stream.
const maxMessageSize = 16 << 20

// Every message on the Subscribe stream is a wrapperspb.BytesValue holding
// one encoded broadcast.Frame.
func wrapFrame(raw []byte) *wrapperspb.BytesValue {
	return wrapperspb.Bytes(raw)
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// busServer is the handler type checked by grpc.RegisterService.
type busServer interface {
	subscribe(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*busServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    subscribeName,
			Handler:       subscribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "tabsync/bus",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(busServer).subscribe(stream)
}
