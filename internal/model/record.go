package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Field names the pipeline reads or adds. Everything else is opaque payload.
const (
	FieldImageID            = "image_id"
	FieldReceptorTimestamp  = "receptor_timestamp"
	FieldProcessedTimestamp = "processed_timestamp"
	FieldProcessingNotes    = "processing_notes"
)

// ProcessedNote is written to processing_notes on the success path.
const ProcessedNote = "Processed successfully"

var (
	ErrMissingImageID = errors.New("record has no image_id")
	ErrNotObject      = errors.New("record is not a JSON object")
)

// Record is one metadata record. A Record is owned by one stage at a time;
// handing it to a queue hands over ownership.
type Record map[string]any

// Parse decodes a single JSON object. Numbers are kept as json.Number so the
// payload is re-encoded exactly as it arrived.
func Parse(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decode record: trailing data after object")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	rec := Record(m)
	if rec.ImageID() == "" {
		return nil, ErrMissingImageID
	}
	return rec, nil
}

// ImageID returns image_id, or "" if it is absent or not a string.
func (r Record) ImageID() string {
	s, _ := r[FieldImageID].(string)
	return s
}

// Float returns a numeric field as float64.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// StampReceived sets receptor_timestamp.
func (r Record) StampReceived(t time.Time) {
	r[FieldReceptorTimestamp] = EpochSeconds(t)
}

// StampProcessed sets processed_timestamp and processing_notes.
// processed_timestamp is kept strictly above receptor_timestamp.
func (r Record) StampProcessed(t time.Time, note string) {
	ts := EpochSeconds(t)
	if recv, ok := r.Float(FieldReceptorTimestamp); ok && ts <= recv {
		ts = math.Nextafter(recv, math.Inf(1))
	}
	r[FieldProcessedTimestamp] = ts
	r[FieldProcessingNotes] = note
}

// Encode renders the record as indented JSON.
func (r Record) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Clone returns a shallow copy; nested payload values are shared.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// EpochSeconds converts t to float seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
