package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ContentType is the media type of a serialized envelope.
const ContentType = "application/x-sentry-envelope"

// ErrMalformedEnvelope wraps every decoding failure.
var ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

// Encode writes env in the line-delimited envelope format: a JSON header line,
// then for every item a JSON item header line followed by the payload bytes and
// a newline.
func Encode(w io.Writer, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(env.header); err != nil {
		return fmt.Errorf("envelope: encode header: %w", err)
	}
	for _, it := range env.items {
		if err := enc.Encode(it.header()); err != nil {
			return fmt.Errorf("envelope: encode item header: %w", err)
		}
		if _, err := bw.Write(it.payload); err != nil {
			return fmt.Errorf("envelope: write item payload: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("envelope: write item payload: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("envelope: flush: %w", err)
	}
	return nil
}

// Marshal serializes env into a byte slice.
func Marshal(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a serialized envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads one envelope from r. Items without an explicit length run to
// the next newline; a missing trailing newline is tolerated.
func Decode(r io.Reader) (*Envelope, error) {
	br := bufio.NewReader(r)

	line, err := readLine(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty input", ErrMalformedEnvelope)
		}
		return nil, fmt.Errorf("%w: read header: %v", ErrMalformedEnvelope, err)
	}
	var header Header
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedEnvelope, err)
	}

	var items []*Item
	for {
		line, err := readLine(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read item header: %v", ErrMalformedEnvelope, err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ih ItemHeader
		if err := json.Unmarshal(line, &ih); err != nil {
			return nil, fmt.Errorf("%w: item header: %v", ErrMalformedEnvelope, err)
		}

		var payload []byte
		if ih.Length != nil {
			if *ih.Length < 0 {
				return nil, fmt.Errorf("%w: negative item length %d", ErrMalformedEnvelope, *ih.Length)
			}
			payload = make([]byte, *ih.Length)
			if _, err := io.ReadFull(br, payload); err != nil {
				return nil, fmt.Errorf("%w: item payload: %v", ErrMalformedEnvelope, err)
			}
			if b, err := br.ReadByte(); err == nil && b != '\n' {
				if err := br.UnreadByte(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
				}
			}
		} else {
			payload, err = readLine(br)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: item payload: %v", ErrMalformedEnvelope, err)
			}
		}

		items = append(items, &Item{
			typ:         ih.Type,
			contentType: ih.ContentType,
			filename:    ih.Filename,
			payload:     payload,
		})
	}

	return New(header, items...), nil
}

// readLine returns the next line without its terminator. io.EOF is only
// returned when nothing was read.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return bytes.TrimRight(line, "\r"), nil
		}
		return nil, err
	}
	line = line[:len(line)-1]
	return bytes.TrimRight(line, "\r"), nil
}
