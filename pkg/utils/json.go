package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// ExtraDataAfterJSONError is returned when the input contains more than one
// top-level JSON value.
type ExtraDataAfterJSONError struct{}

func (e *ExtraDataAfterJSONError) Error() string {
	return "extra data after JSON object"
}

// ToJSON serializes v to minified JSON without HTML escaping.
func ToJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ToJSONIndent serializes v to indented JSON without HTML escaping.
func ToJSONIndent(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ToJSONStream writes v as JSON to w without HTML escaping.
func ToJSONStream(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	return enc.Encode(v)
}

// FromJSON decodes data into T. Unknown fields and trailing data are errors.
// Empty input yields the zero value.
//
//nolint:ireturn // Generic functions must return type parameter T
func FromJSON[T any](data []byte) (T, error) {
	var v T

	if len(data) == 0 {
		return v, nil
	}

	return FromJSONStream[T](bytes.NewReader(data))
}

// FromJSONStream decodes a single JSON value from r into T. Unknown fields
// and trailing data are errors; trailing whitespace is allowed.
//
//nolint:ireturn // Generic functions must return type parameter T
func FromJSONStream[T any](r io.Reader) (T, error) {
	var v T

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&v); err != nil {
		return v, err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		var zero T

		return zero, &ExtraDataAfterJSONError{}
	}

	return v, nil
}
