// Package codec 统一的 CBOR 编解码，线上帧、更新体、导出消息都走这里。
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode Core Deterministic Encoding：同一逻辑数据总是产出相同字节，
// 便于按视角缓存已编码帧。
var encMode cbor.EncMode

// decMode 未知字段忽略，保证前向兼容。
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeUnixMicro
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage 延迟解码的原始 CBOR 片段。
type RawMessage = cbor.RawMessage

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
