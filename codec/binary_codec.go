package codec

import (
	"encoding/binary"
	"errors"

	"grid-rpc/identity"
	"grid-rpc/message"
)

// BinaryCodec is the wire-default envelope serialization: every variable
// field is length-prefixed (uint16 for strings, uint32 for bodies), fixed
// fields are big-endian. The result is self-delimiting, so a buffer holding
// exactly one message decodes without any outer length prefix.
type BinaryCodec struct{}

var errShortBuffer = errors.New("codec: short buffer")

func (c *BinaryCodec) EncodeRequest(req *message.Request) ([]byte, error) {
	h := &req.Header
	total := 2 + len(h.MethodName) +
		2 + len(h.Caller.HostName) +
		2 + len(h.Caller.ProcessName) +
		2 + len(h.Caller.UnitName) +
		4 + // pid
		4 + len(req.Body)
	buf := make([]byte, 0, total)

	buf = appendString(buf, h.MethodName)
	buf = appendString(buf, h.Caller.HostName)
	buf = appendString(buf, h.Caller.ProcessName)
	buf = appendString(buf, h.Caller.UnitName)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(h.Caller.PID)))
	buf = appendBytes(buf, req.Body)
	return buf, nil
}

func (c *BinaryCodec) DecodeRequest(data []byte) (*message.Request, error) {
	d := decoder{buf: data}
	req := &message.Request{}
	req.Header.MethodName = d.str()
	caller := identity.HostIdentity{}
	caller.HostName = d.str()
	caller.ProcessName = d.str()
	caller.UnitName = d.str()
	caller.PID = int(int32(d.u32()))
	req.Header.Caller = caller
	req.Body = d.bytes()
	if d.err != nil {
		return nil, d.err
	}
	return req, nil
}

func (c *BinaryCodec) EncodeResponse(resp *message.Response) ([]byte, error) {
	h := &resp.Header
	total := 2 + len(h.HostName) +
		2 + len(h.ServiceName) +
		2 + len(h.ServiceID) +
		2 + len(h.MethodName) +
		2 + len(h.Error) +
		4 + // state
		4 + // ret state
		4 + len(resp.Body)
	buf := make([]byte, 0, total)

	buf = appendString(buf, h.HostName)
	buf = appendString(buf, h.ServiceName)
	buf = appendString(buf, h.ServiceID)
	buf = appendString(buf, h.MethodName)
	buf = appendString(buf, h.Error)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(h.State)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(resp.RetState))
	buf = appendBytes(buf, resp.Body)
	return buf, nil
}

func (c *BinaryCodec) DecodeResponse(data []byte) (*message.Response, error) {
	d := decoder{buf: data}
	resp := &message.Response{}
	resp.Header.HostName = d.str()
	resp.Header.ServiceName = d.str()
	resp.Header.ServiceID = d.str()
	resp.Header.MethodName = d.str()
	resp.Header.Error = d.str()
	resp.Header.State = message.CallState(int32(d.u32()))
	resp.RetState = int32(d.u32())
	resp.Body = d.bytes()
	if d.err != nil {
		return nil, d.err
	}
	return resp, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// decoder walks the buffer and latches the first error; every accessor
// returns a zero value once err is set.
type decoder struct {
	buf    []byte
	offset int
	err    error
}

func (d *decoder) u16() uint16 {
	if d.err != nil {
		return 0
	}
	if d.offset+2 > len(d.buf) {
		d.err = errShortBuffer
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.offset:])
	d.offset += 2
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	if d.offset+4 > len(d.buf) {
		d.err = errShortBuffer
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.offset:])
	d.offset += 4
	return v
}

func (d *decoder) str() string {
	n := int(d.u16())
	if d.err != nil {
		return ""
	}
	if d.offset+n > len(d.buf) {
		d.err = errShortBuffer
		return ""
	}
	s := string(d.buf[d.offset : d.offset+n])
	d.offset += n
	return s
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if d.err != nil {
		return nil
	}
	if d.offset+n > len(d.buf) {
		d.err = errShortBuffer
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.offset:d.offset+n])
	d.offset += n
	return b
}
