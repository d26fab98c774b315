package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The hub speaks a JSON framing protocol: every frame is a JSON object
// terminated by a 0x1e record separator, and a single transport message may
// carry several frames.
const recordSeparator = 0x1e

// Frame types understood by this client.
const (
	frameInvocation = 1
	frameCompletion = 3
	framePing       = 6
	frameClose      = 7
)

// handshakeRequest opens a hub session after the transport connects.
type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// handshakeResponse acknowledges the handshake. A non-empty Error means the
// server rejected the session.
type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// frame is the wire representation of every post-handshake hub message.
type frame struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// encodeFrame marshals v and appends the record separator.
func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// splitFrames slices a transport message into its separator-terminated
// records, dropping the trailing empty slice.
func splitFrames(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	var frames [][]byte
	for _, p := range parts {
		if len(p) > 0 {
			frames = append(frames, p)
		}
	}
	return frames
}

// parseHandshakeResponse decodes the first record of the server's handshake
// reply and surfaces a server-side rejection as an error. Any further
// records the server batched into the same transport message are returned
// for normal frame dispatch.
func parseHandshakeResponse(data []byte) ([][]byte, error) {
	records := splitFrames(data)
	if len(records) == 0 {
		return nil, fmt.Errorf("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return nil, fmt.Errorf("decode handshake response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return records[1:], nil
}
