package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns envelopes into payload bytes.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(b []byte, env *Envelope) error
}

// CodecByName returns the codec for "json" (the default) or "cbor".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return newCBOR()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type JSON struct{}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Marshal(env Envelope) ([]byte, error) { return json.Marshal(env) }

func (JSON) Unmarshal(b []byte, env *Envelope) error { return json.Unmarshal(b, env) }

// CBOR uses core deterministic encoding with RFC 3339 timestamps.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBOR() (*CBOR, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (*CBOR) Name() string        { return "cbor" }
func (*CBOR) ContentType() string { return "application/cbor" }

func (c *CBOR) Marshal(env Envelope) ([]byte, error) { return c.enc.Marshal(env) }

func (c *CBOR) Unmarshal(b []byte, env *Envelope) error { return c.dec.Unmarshal(b, env) }
