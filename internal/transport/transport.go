// Package transport carries request/response messages between cache nodes.
// Each attempt is delivered at most once; callers retry.
package transport

import (
	"context"
	"encoding/json"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/google/uuid"
)

// Envelope is the unit exchanged between nodes
type Envelope struct {
	Kind      string          `json:"kind"`
	From      model.NodeID    `json:"from"`
	RequestID string          `json:"request_id"`
	Body      json.RawMessage `json:"body,omitempty"`
	Err       *cerrors.Wire   `json:"error,omitempty"`
}

// Handler processes an inbound request and returns the reply body
type Handler func(ctx context.Context, req *Envelope) (interface{}, error)

// Transport sends requests to peers and dispatches inbound ones to a handler
type Transport interface {
	// Call sends req to node and decodes the reply into resp (which may be nil)
	Call(ctx context.Context, to model.NodeID, kind string, req, resp interface{}) error
	// Serve installs the inbound handler
	Serve(h Handler) error
	Close() error
}

// NewRequest builds an envelope carrying body
func NewRequest(from model.NodeID, kind string, body interface{}) (*Envelope, error) {
	env := &Envelope{Kind: kind, From: from, RequestID: uuid.NewString()}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, cerrors.InvalidArgument("encode request body", err)
		}
		env.Body = data
	}
	return env, nil
}

// Decode unmarshals the envelope body into v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Body) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return cerrors.InvalidArgument("decode "+e.Kind+" body", err)
	}
	return nil
}

// reply turns a handler result into the response envelope
func reply(req *Envelope, body interface{}, err error) *Envelope {
	resp := &Envelope{Kind: req.Kind, RequestID: req.RequestID}
	if err != nil {
		resp.Err = cerrors.ToWire(err)
		return resp
	}
	if body != nil {
		data, merr := json.Marshal(body)
		if merr != nil {
			resp.Err = cerrors.ToWire(cerrors.InternalError("encode reply body", merr))
			return resp
		}
		resp.Body = data
	}
	return resp
}

// result decodes a response envelope into resp or returns the remote error
func result(env *Envelope, resp interface{}) error {
	if env.Err != nil {
		return cerrors.FromWire(env.Err)
	}
	return env.Decode(resp)
}
