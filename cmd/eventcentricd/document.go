package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewandler/eventcentric-go/core/dispatch"
	"github.com/codewandler/eventcentric-go/core/es"
)

// The daemon ships with a built-in document model: every stream is one JSON
// document, written whole or patched field by field. Nodes replicating each
// other's document streams converge on the same bodies.

// DocumentWritten replaces the body of a document.
type DocumentWritten struct {
	DocumentID string          `json:"document_id"`
	Body       json.RawMessage `json:"body"`
}

func (e *DocumentWritten) Validate() error {
	if e.DocumentID == "" {
		return errors.New("document id is empty")
	}
	return nil
}

// DocumentPatched merges fields into the body.
type DocumentPatched struct {
	DocumentID string                     `json:"document_id"`
	Fields     map[string]json.RawMessage `json:"fields"`
}

func (e *DocumentPatched) Validate() error {
	if e.DocumentID == "" {
		return errors.New("document id is empty")
	}
	if len(e.Fields) == 0 {
		return errors.New("patch has no fields")
	}
	return nil
}

// Document is the aggregate: a versioned JSON document per stream.
type Document struct {
	es.BaseAggregate
	Body json.RawMessage `json:"body"`
}

func NewDocument(id string) *Document {
	d := &Document{}
	d.SetID(id)
	return d
}

func (d *Document) Apply(event any) error {
	switch e := event.(type) {
	case *DocumentWritten:
		d.Body = e.Body
	case *DocumentPatched:
		var body map[string]json.RawMessage
		if len(d.Body) > 0 {
			if err := json.Unmarshal(d.Body, &body); err != nil {
				return fmt.Errorf("document body is not an object: %w", err)
			}
		}
		if body == nil {
			body = map[string]json.RawMessage{}
		}
		for k, v := range e.Fields {
			body[k] = v
		}
		merged, err := json.Marshal(body)
		if err != nil {
			return err
		}
		d.Body = merged
	default:
		return fmt.Errorf("unexpected event %T", event)
	}
	return nil
}

func registerDocumentEvents(r es.Registrar) {
	es.RegisterEvents(r,
		es.EventOf[DocumentWritten](),
		es.EventOf[DocumentPatched](),
	)
}

// documentHandler mirrors replicated document events into local streams. A
// write opens the stream when needed; a patch on a stream this node has never
// seen is ignored.
func documentHandler() dispatch.Handler {
	return dispatch.HandlerFunc(func(_ es.Event, payload any) dispatch.Handling {
		switch p := payload.(type) {
		case *DocumentWritten:
			return dispatch.InNewStreamIfAbsent(p.DocumentID, func(agg es.Aggregate) error {
				return es.RaiseAndApply(agg.(*Document), p)
			})
		case *DocumentPatched:
			return dispatch.InExistingStream(p.DocumentID, func(agg es.Aggregate) error {
				return es.RaiseAndApply(agg.(*Document), p)
			})
		default:
			return dispatch.IgnoreEvent()
		}
	})
}
