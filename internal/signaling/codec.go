package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols understood by the relay.
const (
	SubprotocolJSON    = "meshrelay.json"
	SubprotocolMsgpack = "meshrelay.msgpack"
)

// Codec encodes messages for one websocket connection.
type Codec interface {
	// Name is the websocket subprotocol that selects this codec.
	Name() string

	// FrameType is the websocket message type used for frames.
	FrameType() int

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// CodecFor returns the codec negotiated for subprotocol. An empty or unknown
// subprotocol falls back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec sends text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string                  { return SubprotocolJSON }
func (JSONCodec) FrameType() int                { return websocket.TextMessage }
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal keeps numbers as json.Number so integers above 2^53 survive.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("json: unexpected data after top-level value")
	}
	return nil
}

// MsgpackCodec sends binary frames.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string   { return SubprotocolMsgpack }
func (MsgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetMapDecoder(decodeOpaqueMap)
	return dec.Decode(v)
}

// decodeOpaqueMap decodes a generic map. Maps keyed only by strings come back
// as map[string]any; any other key type switches to map[any]any.
func decodeOpaqueMap(d *msgpack.Decoder) (any, error) {
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}

	m := make(map[string]any, n)
	var untyped map[any]any
	for i := 0; i < n; i++ {
		k, err := d.DecodeInterface()
		if err != nil {
			return nil, err
		}
		v, err := d.DecodeInterface()
		if err != nil {
			return nil, err
		}

		if untyped == nil {
			if s, ok := k.(string); ok {
				m[s] = v
				continue
			}
			untyped = make(map[any]any, n)
			for ks, kv := range m {
				untyped[ks] = kv
			}
		}
		if k != nil && !reflect.TypeOf(k).Comparable() {
			return nil, fmt.Errorf("msgpack: unsupported map key type %T", k)
		}
		untyped[k] = v
	}

	if untyped != nil {
		return untyped, nil
	}
	return m, nil
}

// plainNumbers replaces json.Number values inside an opaque value with
// int64, uint64 or float64 so any codec can encode them.
func plainNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return u
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		for k, e := range v {
			v[k] = plainNumbers(e)
		}
	case []any:
		for i, e := range v {
			v[i] = plainNumbers(e)
		}
	}
	return v
}
