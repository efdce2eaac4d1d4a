// Package codec registers the "proto" grpc encoding.Codec this repo
// uses for every RPC message. See the "Wire layer" note in DESIGN.md:
// without a protoc/buf pass available, message types are plain Go
// structs with json tags rather than protoc-gen-go output, and this
// codec is what lets grpc.Server/ClientConn encode/decode them under
// the "proto" content-subtype grpc expects by default.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	// Imported so grpc's own "proto" codec registers before this
	// package's init replaces it.
	_ "google.golang.org/grpc/encoding/proto"
)

const Name = "proto"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
