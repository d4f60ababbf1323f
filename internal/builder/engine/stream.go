package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog/log"
)

// ErrNoOutput is returned when the engine closed a stream without emitting a record
var ErrNoOutput = errors.New("engine produced no output")

// Record is one decoded unit of an engine progress stream
type Record struct {
	jsonmessage.JSONMessage
	Raw json.RawMessage `json:"-"`
}

// Failed reports whether the record carries an error indicator
func (r Record) Failed() bool {
	return r.Error != nil || r.ErrorMessage != ""
}

// Line renders the record as a single human-readable log line
func (r Record) Line() string {
	switch {
	case r.Failed():
		return r.errorText()
	case r.Stream != "":
		return strings.TrimSpace(strings.ReplaceAll(r.Stream, "\r\n", "\n"))
	case r.Status != "":
		line := r.Status
		if r.ID != "" {
			line = r.ID + ": " + line
		}
		if r.Progress != nil && r.Progress.String() != "" {
			line += " " + r.Progress.String()
		}
		return line
	}
	return ""
}

// AuxID returns the image ID an engine reports in an aux record, if any
func (r Record) AuxID() string {
	if r.Aux == nil {
		return ""
	}
	var aux struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(*r.Aux, &aux); err != nil {
		return ""
	}
	return aux.ID
}

func (r Record) errorText() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if r.Error != nil {
		return r.Error.Message
	}
	return ""
}

// Records lazily decodes a line-delimited JSON stream. A decoding error is
// yielded once and ends the sequence.
func Records(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		decoder := json.NewDecoder(r)
		for {
			var raw json.RawMessage
			if err := decoder.Decode(&raw); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(Record{}, fmt.Errorf("failed to decode engine output: %w", err))
				return
			}

			rec := Record{Raw: raw}
			if err := json.Unmarshal(raw, &rec.JSONMessage); err != nil {
				yield(Record{}, fmt.Errorf("failed to decode engine record: %w", err))
				return
			}

			if !yield(rec, nil) {
				return
			}
		}
	}
}

// StreamResult holds what was observed on a completed stream
type StreamResult struct {
	// Last is the final record seen, nil for an empty stream
	Last *Record

	// ImageID is the last image ID announced in an aux record
	ImageID string

	// Logs holds one rendered line per non-empty record, in emission order
	Logs []string
}

// WaitForCommand drains records in order and decides the outcome of the
// engine operation that produced them. The first error record stops the
// iteration and is returned as ErrCommandFailed. Cancelling ctx is observed
// between records; a read blocked inside the stream only returns when the
// stream itself is closed (see CloseOnCancel).
func WaitForCommand(ctx context.Context, records iter.Seq2[Record, error]) (*StreamResult, error) {
	result := &StreamResult{}

	for rec, err := range records {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		if err != nil {
			return result, err
		}

		if line := rec.Line(); line != "" {
			result.Logs = append(result.Logs, line)
		}

		if rec.Failed() {
			failure := ErrCommandFailed{Message: rec.errorText()}
			if rec.Error != nil {
				failure.Code = rec.Error.Code
				failure.Detail = rec.Error.Message
			}
			log.Error().Str("record", strings.TrimSpace(string(rec.Raw))).Msg("Engine reported an error")
			return result, failure
		}

		if rec.Stream != "" {
			log.Debug().Str("output", strings.TrimSpace(rec.Stream)).Msg("Engine output")
		} else if rec.Status != "" {
			log.Debug().Str("id", rec.ID).Str("status", rec.Status).Msg("Engine progress")
		}

		if id := rec.AuxID(); id != "" {
			result.ImageID = id
		}

		last := rec
		result.Last = &last
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if result.Last == nil {
		return result, ErrNoOutput
	}
	return result, nil
}

// CloseOnCancel closes c once ctx is done. The returned function stops the
// watch and must be called when the stream has been consumed.
func CloseOnCancel(ctx context.Context, c io.Closer) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
}

// ErrCommandFailed is returned when the engine emits an error record
type ErrCommandFailed struct {
	Message string
	Detail  string
	Code    int
}

func (e ErrCommandFailed) Error() string {
	if e.Detail != "" && e.Detail != e.Message {
		return fmt.Sprintf("error in engine processing: %s (%s)", e.Message, e.Detail)
	}
	return "error in engine processing: " + e.Message
}
