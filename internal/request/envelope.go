package request

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of a request
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

var decoders = map[Kind]func([]byte) (Request, error){
	KindMarkRead:          decode[MarkRead],
	KindChangeFlag:        decode[ChangeFlag],
	KindMove:              decode[Move],
	KindDelete:            decode[Delete],
	KindHardDelete:        decode[HardDelete],
	KindArchive:           decode[Archive],
	KindUnarchive:         decode[Unarchive],
	KindCreateDraft:       decode[CreateDraft],
	KindSendDraft:         decode[SendDraft],
	KindRenameFolder:      decode[RenameFolder],
	KindDiscardLocalDraft: decode[DiscardLocalDraft],
}

func decode[T Request](data []byte) (Request, error) {
	var r T
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Marshal encodes a request inside an envelope
func Marshal(r Request) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", r.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: r.Kind(), Payload: payload})
}

// Unmarshal decodes an envelope produced by Marshal
func Unmarshal(data []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	dec, ok := decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown request kind %q", env.Kind)
	}

	r, err := dec(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	if r.ID() == "" {
		return nil, fmt.Errorf("decode %s: missing id", env.Kind)
	}
	return r, nil
}
