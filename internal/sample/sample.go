// Package sample defines decoded signal values and their JSON wire form.
package sample

import (
	"bufio"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sample is one decoded signal of one received frame.
type Sample struct {
	Time     time.Time `json:"ts"`
	Key      uint32    `json:"-"`
	ID       uint32    `json:"id"`
	Extended bool      `json:"ext,omitempty"`
	Message  string    `json:"message"`
	Signal   string    `json:"signal"`
	Raw      uint64    `json:"raw"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit,omitempty"`
}

// Frame is the per-message object published to MQTT.
type Frame struct {
	Time     time.Time          `json:"ts"`
	ID       uint32             `json:"id"`
	Extended bool               `json:"ext,omitempty"`
	Message  string             `json:"message"`
	Signals  map[string]float64 `json:"signals"`
	Units    map[string]string  `json:"units,omitempty"`
}

// Codec writes samples as newline-delimited JSON.
type Codec struct{}

// EncodeTo writes one JSON line per sample.
func (Codec) EncodeTo(w io.Writer, batch []Sample) error {
	stream := json.BorrowStream(w)
	defer json.ReturnStream(stream)
	for i := range batch {
		stream.WriteVal(&batch[i])
		stream.WriteRaw("\n")
		if stream.Error != nil {
			return stream.Error
		}
	}
	return stream.Flush()
}

// Decode parses one NDJSON line.
func (Codec) Decode(line []byte) (Sample, error) {
	var s Sample
	err := json.Unmarshal(line, &s)
	return s, err
}

// ReadAll decodes every line from r until EOF.
func (c Codec) ReadAll(r io.Reader) ([]Sample, error) {
	var out []Sample
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		s, err := c.Decode(sc.Bytes())
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, sc.Err()
}

// Group folds the samples of one frame into a Frame. batch must be non-empty
// and come from a single frame.
func Group(batch []Sample) Frame {
	f := Frame{Signals: make(map[string]float64, len(batch))}
	if len(batch) == 0 {
		return f
	}
	f.Time, f.ID, f.Extended, f.Message = batch[0].Time, batch[0].ID, batch[0].Extended, batch[0].Message
	for _, s := range batch {
		f.Signals[s.Signal] = s.Value
		if s.Unit != "" {
			if f.Units == nil {
				f.Units = make(map[string]string)
			}
			f.Units[s.Signal] = s.Unit
		}
	}
	return f
}

// EncodeFrame returns the JSON object for one frame's samples.
func (Codec) EncodeFrame(batch []Sample) ([]byte, error) {
	return json.Marshal(Group(batch))
}
