// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package cm implements the capability-map text format: a line-oriented table
// of whitespace-separated records mapping a key to one or more values, with
// full-line # comments and blank lines skipped.  Key and value parsing is
// supplied by the caller, so the same format serves syscall-to-capability
// tables and similar documents.
package cm

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Parser converts one whitespace-separated field into a typed key or value.
type Parser[T any] func(field string) (T, error)

// Document is an ordered collection of parsed records.  Iteration follows
// first-appearance order of the keys.  A key that appears on more than one
// line keeps its original position, and the later line's values overwrite
// the earlier ones; Load warns when this happens.
type Document[K comparable, V any] struct {
	keys    []K
	records map[K][]V
}

// Load reads a capability-map document from r.
//
// Each line is trimmed; blank lines and lines whose first non-whitespace
// character is '#' are skipped.  Remaining lines must contain at least two
// ASCII-whitespace-separated fields: the key, then one or more values.
// Line numbers and value field numbers in errors are 1-based.
func Load[K comparable, V any](r io.Reader, parseKey Parser[K], parseValue Parser[V]) (*Document[K, V], error) {
	doc := &Document[K, V]{records: make(map[K][]V)}

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		content := strings.TrimSpace(scanner.Text())
		if content == "" || strings.HasPrefix(content, "#") {
			continue
		}

		fields := strings.Fields(content)
		if len(fields) < 2 {
			return nil, InsufficientFieldsError{Line: line}
		}

		key, err := parseKey(fields[0])
		if err != nil {
			return nil, KeyError{Line: line, Err: err}
		}

		values := make([]V, 0, len(fields)-1)
		for field, raw := range fields[1:] {
			value, err := parseValue(raw)
			if err != nil {
				return nil, ValueError{Line: line, Field: field + 1, Err: err}
			}
			values = append(values, value)
		}

		if _, ok := doc.records[key]; ok {
			logrus.WithFields(logrus.Fields{
				"key":  fmt.Sprintf("%v", key),
				"line": line,
			}).Warn("duplicate key in capability map; later values overwrite earlier ones")
		} else {
			doc.keys = append(doc.keys, key)
		}
		doc.records[key] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, ReadError{Line: line + 1, Err: err}
	}

	return doc, nil
}

// Get returns the values recorded for key.
func (d *Document[K, V]) Get(key K) ([]V, bool) {
	values, ok := d.records[key]
	return values, ok
}

// Len returns the number of distinct keys in the document.
func (d *Document[K, V]) Len() int {
	return len(d.keys)
}

// All calls fn for every record in first-appearance order.  Iteration stops
// early if fn returns false.
func (d *Document[K, V]) All(fn func(key K, values []V) bool) {
	for _, key := range d.keys {
		if !fn(key, d.records[key]) {
			return
		}
	}
}

// Render writes the document back out in capability-map form, one record per
// line, using the supplied key and value formatters.  Comments and blank
// lines from the original input are not preserved.
func (d *Document[K, V]) Render(w io.Writer, key func(K) string, value func(V) string) error {
	for _, k := range d.keys {
		fields := make([]string, 0, len(d.records[k])+1)
		fields = append(fields, key(k))
		for _, v := range d.records[k] {
			fields = append(fields, value(v))
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, " ")); err != nil {
			return err
		}
	}
	return nil
}

// ReadError reports an IO failure while reading a particular line.
type ReadError struct {
	Line int
	Err  error
}

func (e ReadError) Error() string {
	return fmt.Sprintf("read error on line %d: %v", e.Line, e.Err)
}

func (e ReadError) Unwrap() error { return e.Err }

// InsufficientFieldsError reports a record with fewer than two fields.
type InsufficientFieldsError struct {
	Line int
}

func (e InsufficientFieldsError) Error() string {
	return fmt.Sprintf("insufficient fields on line %d", e.Line)
}

// KeyError reports a key that failed to parse.
type KeyError struct {
	Line int
	Err  error
}

func (e KeyError) Error() string {
	return fmt.Sprintf("key error on line %d: %v", e.Line, e.Err)
}

func (e KeyError) Unwrap() error { return e.Err }

// ValueError reports a value field that failed to parse.  Field numbering
// starts at 1 for the first value after the key.
type ValueError struct {
	Line  int
	Field int
	Err   error
}

func (e ValueError) Error() string {
	return fmt.Sprintf("value error on line %d, field %d: %v", e.Line, e.Field, e.Err)
}

func (e ValueError) Unwrap() error { return e.Err }
