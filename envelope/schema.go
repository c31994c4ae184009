package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inimical023/callflow"
)

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "type", "correlation_id", "timestamp", "schema_version", "payload"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "correlation_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "format": "date-time"},
    "schema_version": {"type": "integer", "minimum": 1},
    "payload": {"type": "object"}
  }
}`

const callLoggedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["call"],
  "properties": {
    "call": {
      "type": "object",
      "required": ["call_id", "extension", "status", "start_time", "duration"],
      "properties": {
        "call_id": {"type": "string", "minLength": 1},
        "extension": {"type": "string"},
        "direction": {"type": "string"},
        "status": {"enum": ["accepted", "missed"]},
        "caller_number": {"type": "string"},
        "start_time": {"type": "string", "format": "date-time"},
        "duration": {"type": "integer", "minimum": 0},
        "recording_id": {"type": "string"}
      }
    }
  }
}`

type schemas struct {
	envelope   *jsonschema.Schema
	callLogged *jsonschema.Schema
}

var (
	compiledOnce sync.Once
	compiled     schemas
	compileErr   error
)

func loadSchemas() (schemas, error) {
	compiledOnce.Do(func() {
		compiled.envelope, compileErr = compileSchema("callflow://envelope.json", envelopeSchema)
		if compileErr != nil {
			return
		}
		compiled.callLogged, compileErr = compileSchema("callflow://call_logged.json", callLoggedSchema)
	})
	return compiled, compileErr
}

func compileSchema(url, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("envelope: add schema %s: %w", url, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("envelope: compile schema %s: %w", url, err)
	}
	return s, nil
}

// Decode parses and validates a wire envelope. Every failure is a
// ValidationError.
func Decode(raw []byte) (*Envelope, error) {
	s, err := loadSchemas()
	if err != nil {
		return nil, callflow.Fatal("envelope.decode", err)
	}

	doc, err := decodeAny(raw)
	if err != nil {
		return nil, invalid(err.Error())
	}
	if err := s.envelope.Validate(doc); err != nil {
		return nil, invalid(err.Error())
	}

	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, invalid(err.Error())
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if e.Type == TypeCallLogged {
		payload, err := decodeAny(e.Payload)
		if err != nil {
			return nil, invalid(err.Error())
		}
		if err := s.callLogged.Validate(payload); err != nil {
			return nil, invalid("call_logged payload: " + err.Error())
		}
	}
	return &e, nil
}

func decodeAny(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
