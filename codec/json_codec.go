package codec

import (
	"encoding/json"

	"grid-rpc/message"
)

// JSONCodec serializes envelopes as JSON. Human-readable and handy when
// inspecting traffic, but larger and slower than the binary codec. Not used
// on the wire by default.
type JSONCodec struct{}

func (c *JSONCodec) EncodeRequest(req *message.Request) ([]byte, error) {
	return json.Marshal(req)
}

func (c *JSONCodec) DecodeRequest(data []byte) (*message.Request, error) {
	req := &message.Request{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *JSONCodec) EncodeResponse(resp *message.Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (c *JSONCodec) DecodeResponse(data []byte) (*message.Response, error) {
	resp := &message.Response{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
