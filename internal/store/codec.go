package store

import (
	"encoding/binary"

	json "github.com/goccy/go-json"
)

// EncodeUint32 big-endian encodes id so that bbolt's lexicographic byte
// ordering over keys matches numeric ordering over ids.
func EncodeUint32(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

// DecodeUint32 reverses EncodeUint32.
func DecodeUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// EncodeValue marshals v to its stored JSON representation.
func EncodeValue(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeValue unmarshals a stored JSON representation into v.
func DecodeValue(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// PutJSON marshals v and stores it under key in b.
func PutJSON(b RwBucket, key []byte, v interface{}) error {
	data, err := EncodeValue(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// GetJSON loads the value under key from b into v. Returns false if the
// key is absent.
func GetJSON(b Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, DecodeValue(data, v)
}
