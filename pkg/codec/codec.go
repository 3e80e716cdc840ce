// Package codec implements the upstream wire envelope: msgpack payloads
// padded to the AES block size, encrypted with AES-256-CBC under a fresh
// per-call key, with the key appended to the ciphertext. Responses travel
// as base-64 text over the same envelope.
//
// All functions are stateless. Malformed responses decode to an empty map;
// the caller decides whether a missing field is a protocol error.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// iv is the fixed AES-CBC initial vector used by the upstream protocol.
var iv = []byte("7Fk9Lm3Np8Qr4Sv2")

const keyLen = 32

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	return h
}()

// NewKey returns a fresh 32-byte session key: the lowercase base-16
// encoding of a random UUID. The key doubles as the AES-256 key bytes.
func NewKey() []byte {
	id := uuid.New()
	return []byte(hex.EncodeToString(id[:]))
}

// pad applies PKCS7 padding to a 16-byte boundary.
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func encryptCBC(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return out, nil
}

func decryptCBC(enc, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(enc))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, enc)
	return out, nil
}

// EncryptString encrypts a string under key and returns
// base64(ciphertext || key). Used for the in-payload viewer_id field.
func EncryptString(s string, key []byte) (string, error) {
	enc, err := encryptCBC(pad([]byte(s)), key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(enc, key...)), nil
}

// PackRequest serializes payload with msgpack, pads and encrypts it, and
// appends the session key. The result is the raw POST body.
func PackRequest(payload map[string]interface{}, key []byte) ([]byte, error) {
	var packed []byte
	if err := codec.NewEncoderBytes(&packed, msgpackHandle).Encode(payload); err != nil {
		return nil, err
	}
	enc, err := encryptCBC(pad(packed), key)
	if err != nil {
		return nil, err
	}
	return append(enc, key...), nil
}

// DecodeResponse decodes a base-64 response body: the trailing 32 bytes
// are the response key, the rest is AES-CBC ciphertext whose last byte
// gives the pad length. Anything malformed, including a non-map payload,
// decodes to an empty map.
func DecodeResponse(body []byte) map[string]interface{} {
	raw, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil || len(raw) <= keyLen {
		return map[string]interface{}{}
	}
	key := raw[len(raw)-keyLen:]
	enc := raw[:len(raw)-keyLen]
	if len(enc)%aes.BlockSize != 0 {
		return map[string]interface{}{}
	}
	plain, err := decryptCBC(enc, key)
	if err != nil || len(plain) == 0 {
		return map[string]interface{}{}
	}
	padLen := int(plain[len(plain)-1])
	if padLen <= 0 || padLen > len(plain) {
		return map[string]interface{}{}
	}
	var out interface{}
	if err := codec.NewDecoderBytes(plain[:len(plain)-padLen], msgpackHandle).Decode(&out); err != nil {
		return map[string]interface{}{}
	}
	m, ok := normalize(out).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return m
}

// normalize rewrites decoded containers into map[string]interface{}
// trees. Parts of the payload arrive with integer map keys (unit and
// quest tables keyed by id); those keys become their decimal strings so
// every level of the tree indexes the same way.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[mapKey(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	}
	return v
}

func mapKey(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return strconv.FormatInt(AsInt64(k), 10)
}
