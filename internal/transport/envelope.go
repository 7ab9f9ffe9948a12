// Package transport carries the control plane between clients and the
// leader that hosts the worker: hello, ready, disconnect, and the toLeader
// and toClient envelopes that wrap opaque sync-plane payloads.
package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/model"
)

// Kind names an envelope variant on the wire.
type Kind string

const (
	KindHello      Kind = "hello"
	KindReady      Kind = "ready"
	KindDisconnect Kind = "disconnect"
	KindToLeader   Kind = "toLeader"
	KindToClient   Kind = "toClient"
)

// Envelope is one of Hello, Ready, Disconnect, ToLeader, ToClient or
// Unrecognized.
type Envelope interface {
	Kind() Kind
}

// Hello asks the leader to connect a client.
type Hello struct{ ClientID string }

// Ready announces a hosted worker. HostID changes whenever leadership
// moves. ClientID is set when the announcement acknowledges that client's
// hello, and empty when the host broadcasts it on start.
type Ready struct {
	HostID   string
	SiteID   model.SiteID
	ClientID string
}

// Disconnect tells the leader a client port closed.
type Disconnect struct{ ClientID string }

// ToLeader carries a client payload to the worker.
type ToLeader struct {
	ClientID string
	Payload  []byte
}

// ToClient carries a worker payload to one client.
type ToClient struct {
	ClientID string
	Payload  []byte
}

// Unrecognized is anything that failed to decode or has an unknown kind.
type Unrecognized struct {
	Raw  []byte
	Tag  string
	Err  error
}

func (Hello) Kind() Kind        { return KindHello }
func (Ready) Kind() Kind        { return KindReady }
func (Disconnect) Kind() Kind   { return KindDisconnect }
func (ToLeader) Kind() Kind     { return KindToLeader }
func (ToClient) Kind() Kind     { return KindToClient }
func (Unrecognized) Kind() Kind { return "" }

type wireEnvelope struct {
	Kind     Kind         `json:"kind" msgpack:"kind"`
	ClientID string       `json:"client_id,omitempty" msgpack:"client_id,omitempty"`
	HostID   string       `json:"host_id,omitempty" msgpack:"host_id,omitempty"`
	SiteID   model.SiteID `json:"site_id,omitempty" msgpack:"site_id,omitempty"`
	Payload  []byte       `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Encode serializes env with c.
func Encode(c codec.Codec, env Envelope) ([]byte, error) {
	var w wireEnvelope
	switch e := env.(type) {
	case Hello:
		w = wireEnvelope{Kind: KindHello, ClientID: e.ClientID}
	case Ready:
		w = wireEnvelope{Kind: KindReady, HostID: e.HostID, SiteID: e.SiteID, ClientID: e.ClientID}
	case Disconnect:
		w = wireEnvelope{Kind: KindDisconnect, ClientID: e.ClientID}
	case ToLeader:
		w = wireEnvelope{Kind: KindToLeader, ClientID: e.ClientID, Payload: e.Payload}
	case ToClient:
		w = wireEnvelope{Kind: KindToClient, ClientID: e.ClientID, Payload: e.Payload}
	default:
		return nil, fmt.Errorf("cannot encode envelope %T", env)
	}
	return c.Marshal(w)
}

// Decode parses raw. It never fails: bad input yields Unrecognized.
func Decode(c codec.Codec, raw []byte) Envelope {
	var w wireEnvelope
	if err := c.Unmarshal(raw, &w); err != nil {
		return Unrecognized{Raw: raw, Err: err}
	}
	switch w.Kind {
	case KindHello:
		return Hello{ClientID: w.ClientID}
	case KindReady:
		return Ready{HostID: w.HostID, SiteID: w.SiteID, ClientID: w.ClientID}
	case KindDisconnect:
		return Disconnect{ClientID: w.ClientID}
	case KindToLeader:
		return ToLeader{ClientID: w.ClientID, Payload: w.Payload}
	case KindToClient:
		return ToClient{ClientID: w.ClientID, Payload: w.Payload}
	default:
		return Unrecognized{Raw: raw, Tag: string(w.Kind)}
	}
}

// TopicName derives the broadcast topic for a worker URL.
func TopicName(workerURL string) string {
	sum := sha256.Sum256([]byte(workerURL))
	return "tabsync-" + hex.EncodeToString(sum[:])[:16]
}

// ElectionTopic is the topic leader election runs on for a control topic.
func ElectionTopic(topic string) string {
	return topic + "/election"
}

// ChangesTopic is the topic change records are fanned out on.
func ChangesTopic(topic string) string {
	return topic + "/changes"
}
