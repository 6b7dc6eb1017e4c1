// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(text string) error {
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q (want e.g. \"2s\" or \"5m\")", text)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts "2s" style strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", value.Line)
	}
	return d.parse(value.Value)
}

// UnmarshalJSON accepts "2s" style strings.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a string such as \"2s\"")
	}
	return d.parse(text)
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ByteSize is a size in bytes written as an integer or a human string
// such as "64KiB" or "1MB".
type ByteSize int64

// Int returns the size as an int.
func (s ByteSize) Int() int { return int(s) }

func (s ByteSize) String() string { return humanize.IBytes(uint64(s)) }

func (s *ByteSize) parse(text string) error {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		*s = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("invalid byte size %q (want e.g. \"64KiB\" or 65536)", text)
	}
	*s = ByteSize(n)
	return nil
}

// UnmarshalYAML accepts integers and size strings.
func (s *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	return s.parse(value.Value)
}

// UnmarshalJSON accepts numbers and size strings.
func (s *ByteSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		return s.parse(text)
	}
	return s.parse(string(data))
}

// MarshalJSON writes the size as a human string.
func (s ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
