package codec

import (
	"fmt"
	"reflect"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *msgpack.MsgpackHandle {
	h := &msgpack.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

func EncodeMsgpack(v interface{}) ([]byte, error) {
	var out []byte
	enc := msgpack.NewEncoderBytes(&out, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return out, nil
}

// DecodeMsgpackMap 解码一个 msgpack map 并规范化其中的类型
func DecodeMsgpackMap(data []byte) (map[string]interface{}, error) {
	var v interface{}
	dec := msgpack.NewDecoderBytes(data, msgpackHandle)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: msgpack decode: %w", ErrMalformed, err)
	}
	m, ok := normalize(v).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: msgpack body is %T, not a map", ErrMalformed, v)
	}
	return m, nil
}
