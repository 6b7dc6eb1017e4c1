// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type sampleRecord struct {
	Seq  uint64 `cbor:"seq"`
	Time int64  `cbor:"ts"`
	Data []byte `cbor:"data"`
}

type sampleTask struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{Seq: 42, Time: 1767225600000000001, Data: []byte("epoch 3 loss=0.41\r\n")}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Seq != original.Seq || decoded.Time != original.Time || !bytes.Equal(decoded.Data, original.Data) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	records := []sampleRecord{{Seq: 1, Data: []byte("a")}, {Seq: 2, Data: []byte("b")}}
	first, err := Marshal(records)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 5 {
		again, err := Marshal(records)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Marshal produced different bytes for identical input")
		}
	}
}

func TestTimePrecisionPreserved(t *testing.T) {
	original := sampleTask{
		ID:        "0190f3c4-0000-7000-8000-000000000001",
		StartedAt: time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC),
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleTask
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.StartedAt.Equal(original.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", decoded.StartedAt, original.StartedAt)
	}
}

func TestJSONTagFallback(t *testing.T) {
	data, err := Marshal(sampleTask{ID: "t1", Name: "train"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"name"`) || !strings.Contains(diagnostic, `"id"`) {
		t.Errorf("json tags not used as CBOR keys: %s", diagnostic)
	}
}

func TestOmitemptyRespected(t *testing.T) {
	data, err := Marshal(sampleTask{ID: "t1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if strings.Contains(diagnostic, `"name"`) {
		t.Errorf("omitempty field encoded: %s", diagnostic)
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var record sampleRecord
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &record); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}
