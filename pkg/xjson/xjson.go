// Package xjson is the single import site for JSON encoding of stored documents.
package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// RawMessage stays compatible with encoding/json.
type RawMessage = stdjson.RawMessage
