// Package transcode 把一種元素類型的集合包裝成另一種元素類型的集合：
// 呼叫時編碼、事件回傳時解碼，監聽器一對一對應到底層集合。
package transcode

// Codec 在兩種元素類型之間轉換
type Codec[E1, E2 any] interface {
	Encode(E1) E2
	Decode(E2) E1
}

// CodecFuncs 以兩個函式組成 Codec
type CodecFuncs[E1, E2 any] struct {
	EncodeFunc func(E1) E2
	DecodeFunc func(E2) E1
}

func (c CodecFuncs[E1, E2]) Encode(v E1) E2 { return c.EncodeFunc(v) }

func (c CodecFuncs[E1, E2]) Decode(v E2) E1 { return c.DecodeFunc(v) }

// StringBytes 字串與位元組切片之間的轉換
var StringBytes Codec[string, []byte] = CodecFuncs[string, []byte]{
	EncodeFunc: func(s string) []byte { return []byte(s) },
	DecodeFunc: func(b []byte) string { return string(b) },
}
