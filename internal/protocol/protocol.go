// Package protocol defines the sync-plane messages exchanged between a
// client and the worker, and between peers on the change topic.
package protocol

import (
	"fmt"

	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/model"
)

// Kind names a message variant on the wire.
type Kind string

const (
	KindSync           Kind = "sync"
	KindExec           Kind = "exec"
	KindSyncData       Kind = "sync-data"
	KindExecReply      Kind = "exec-reply"
	KindError          Kind = "error"
	KindChanges        Kind = "changes"
	KindChangesApplied Kind = "changes-applied"
)

// Message is one of the variants below.
type Message interface {
	Kind() Kind
}

// Sync asks the worker for its entire change log.
type Sync struct{}

// Exec asks the worker to run a statement against the persistent store.
type Exec struct {
	SQL       string
	Args      []any
	RequestID string
}

// SyncData answers Sync.
type SyncData struct {
	Changes []model.ChangeRecord
}

// ExecReply answers Exec.
type ExecReply struct {
	Result    model.ExecResult
	RequestID string
}

// Error reports a worker failure, correlated when RequestID is set.
type Error struct {
	Message   string
	RequestID string
}

// Changes carries a client's local changes to its peers.
type Changes struct {
	Changes     []model.ChangeRecord
	SourceTabID string
}

// ChangesApplied announces changes that reached the persistent store.
type ChangesApplied struct {
	Changes     []model.ChangeRecord
	SourceTabID string
}

// Unrecognized is anything that failed to decode or has an unknown kind.
type Unrecognized struct {
	Tag string
	Err error
}

func (Sync) Kind() Kind           { return KindSync }
func (Exec) Kind() Kind           { return KindExec }
func (SyncData) Kind() Kind       { return KindSyncData }
func (ExecReply) Kind() Kind      { return KindExecReply }
func (Error) Kind() Kind          { return KindError }
func (Changes) Kind() Kind        { return KindChanges }
func (ChangesApplied) Kind() Kind { return KindChangesApplied }
func (Unrecognized) Kind() Kind   { return "" }

type wireMessage struct {
	Type        Kind                 `json:"type" msgpack:"type"`
	SQL         string               `json:"sql,omitempty" msgpack:"sql,omitempty"`
	Args        []any                `json:"args,omitempty" msgpack:"args,omitempty"`
	RequestID   string               `json:"requestId,omitempty" msgpack:"requestId,omitempty"`
	Result      *model.ExecResult    `json:"result,omitempty" msgpack:"result,omitempty"`
	Error       string               `json:"error,omitempty" msgpack:"error,omitempty"`
	Changes     []model.ChangeRecord `json:"changes,omitempty" msgpack:"changes,omitempty"`
	SourceTabID string               `json:"sourceTabId,omitempty" msgpack:"sourceTabId,omitempty"`
}

// Encode serializes m with c.
func Encode(c codec.Codec, m Message) ([]byte, error) {
	var w wireMessage
	switch msg := m.(type) {
	case Sync:
		w = wireMessage{Type: KindSync}
	case Exec:
		w = wireMessage{Type: KindExec, SQL: msg.SQL, Args: msg.Args, RequestID: msg.RequestID}
	case SyncData:
		w = wireMessage{Type: KindSyncData, Changes: msg.Changes}
	case ExecReply:
		result := msg.Result
		w = wireMessage{Type: KindExecReply, Result: &result, RequestID: msg.RequestID}
	case Error:
		w = wireMessage{Type: KindError, Error: msg.Message, RequestID: msg.RequestID}
	case Changes:
		w = wireMessage{Type: KindChanges, Changes: msg.Changes, SourceTabID: msg.SourceTabID}
	case ChangesApplied:
		w = wireMessage{Type: KindChangesApplied, Changes: msg.Changes, SourceTabID: msg.SourceTabID}
	default:
		return nil, fmt.Errorf("cannot encode message %T", m)
	}
	return c.Marshal(w)
}

// Decode parses raw. Bad input yields Unrecognized.
func Decode(c codec.Codec, raw []byte) Message {
	var w wireMessage
	if err := c.Unmarshal(raw, &w); err != nil {
		return Unrecognized{Err: err}
	}
	switch w.Type {
	case KindSync:
		return Sync{}
	case KindExec:
		return Exec{SQL: w.SQL, Args: w.Args, RequestID: w.RequestID}
	case KindSyncData:
		return SyncData{Changes: w.Changes}
	case KindExecReply:
		var result model.ExecResult
		if w.Result != nil {
			result = *w.Result
		}
		return ExecReply{Result: result, RequestID: w.RequestID}
	case KindError:
		return Error{Message: w.Error, RequestID: w.RequestID}
	case KindChanges:
		return Changes{Changes: w.Changes, SourceTabID: w.SourceTabID}
	case KindChangesApplied:
		return ChangesApplied{Changes: w.Changes, SourceTabID: w.SourceTabID}
	default:
		return Unrecognized{Tag: string(w.Type)}
	}
}

// EncodeError builds an error message payload. It falls back to a JSON
// literal if the codec itself fails.
func EncodeError(c codec.Codec, err error, requestID string) []byte {
	raw, encErr := Encode(c, Error{Message: err.Error(), RequestID: requestID})
	if encErr != nil {
		return []byte(`{"type":"error","error":"internal encoding failure"}`)
	}
	return raw
}
