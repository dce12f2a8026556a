// Package codec serializes request and response envelopes.
//
// Only the thin envelope (header fields plus opaque body) is encoded here.
// Two codecs exist: the binary codec is the wire default and is fully
// self-delimiting, which the v0 transport depends on; the JSON codec is
// kept for debugging and tooling.
package codec

import "grid-rpc/message"

type CodecType byte

const (
	CodecTypeBinary CodecType = 0
	CodecTypeJSON   CodecType = 1
)

type Codec interface {
	EncodeRequest(req *message.Request) ([]byte, error)
	DecodeRequest(data []byte) (*message.Request, error)
	EncodeResponse(resp *message.Response) ([]byte, error)
	DecodeResponse(data []byte) (*message.Response, error)
	Type() CodecType
}

func Get(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}
