// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package serializer provides the wire codecs for records and internal
// structs. MessagePack is preferred on disk, JSON for human
// inspection. Encoding is deterministic for equal inputs so content
// hashes are stable. Strict decoding rejects unknown fields and is
// used for user records; lenient decoding ignores them and is used for
// internal structs that need forward compatibility.
package serializer

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the wire format.
type Format string

const (
	// FormatJSON encodes as JSON.
	FormatJSON Format = "json"
	// FormatMessagePack encodes as MessagePack.
	FormatMessagePack Format = "msgpack"
)

// Serializer encodes and decodes values in one wire format.
type Serializer interface {
	Format() Format
	Marshal(v interface{}) ([]byte, error)
	// Unmarshal decodes leniently, ignoring unknown fields.
	Unmarshal(data []byte, v interface{}) error
	// UnmarshalStrict decodes and fails on unknown fields.
	UnmarshalStrict(data []byte, v interface{}) error
}

// New returns a serializer for the given format.
func New(f Format) (Serializer, error) {
	switch f {
	case FormatJSON:
		return jsonSerializer{}, nil
	case FormatMessagePack, "":
		return msgpackSerializer{}, nil
	default:
		return nil, errors.Errorf("serializer: unknown format %q", f)
	}
}

// Default returns the MessagePack serializer.
func Default() Serializer { return msgpackSerializer{} }

type jsonSerializer struct{}

func (jsonSerializer) Format() Format { return FormatJSON }

func (jsonSerializer) Marshal(v interface{}) ([]byte, error) {
	// encoding/json emits struct fields in declaration order and map
	// keys sorted, which makes the output deterministic.
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "serializer: json marshal")
}

func (jsonSerializer) Unmarshal(data []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(data, v), "serializer: json unmarshal")
}

func (jsonSerializer) UnmarshalStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return errors.Wrap(dec.Decode(v), "serializer: json unmarshal")
}

type msgpackSerializer struct{}

func (msgpackSerializer) Format() Format { return FormatMessagePack }

func (msgpackSerializer) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "serializer: msgpack marshal")
	}
	return buf.Bytes(), nil
}

func (msgpackSerializer) Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return errors.Wrap(dec.Decode(v), "serializer: msgpack unmarshal")
}

func (msgpackSerializer) UnmarshalStrict(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)
	return errors.Wrap(dec.Decode(v), "serializer: msgpack unmarshal")
}
