// Package wire 提供基於 protowire 的輕量二進位編碼輔助函式，
// 用於會話與服務快照，不需要 .proto 產生的程式碼。
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrWireType 欄位的 wire type 與預期不符
var ErrWireType = errors.New("unexpected wire type")

// AppendVarint 寫入一個 varint 欄位
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt64 寫入 int64（以 zigzag 編碼，負數也能精簡表示）
func AppendInt64(b []byte, num protowire.Number, v int64) []byte {
	return AppendVarint(b, num, protowire.EncodeZigZag(v))
}

// AppendBytes 寫入一個長度前綴的位元組欄位
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendString 寫入字串欄位
func AppendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Field 一個已解析的欄位
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Value uint64 // VarintType 時有效
	Bytes []byte // BytesType 時有效（指向原始緩衝區）
}

// Int64 取回以 zigzag 編碼的 int64
func (f Field) Int64() int64 {
	return protowire.DecodeZigZag(f.Value)
}

// Range 依序走訪 b 中的每個欄位。varint 與 bytes 欄位會被解碼後交給 fn，
// 其他 wire type 直接略過。
func Range(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Value = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Expect 檢查欄位 wire type
func Expect(f Field, typ protowire.Type) error {
	if f.Type != typ {
		return fmt.Errorf("%w: field %d has type %d, want %d", ErrWireType, f.Num, f.Type, typ)
	}
	return nil
}
