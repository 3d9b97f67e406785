package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lahnstrom/trialscout/internal/llm"
)

// systemTokensPerRequest is the fixed per-request overhead added to the
// character-based token estimate.
const systemTokensPerRequest = 50

// ChunkLimits are the simultaneous packing constraints.
type ChunkLimits struct {
	MaxRequests  int
	MaxBytes     int64
	SafetyBuffer float64
}

// EffectiveMaxBytes is the byte cap after applying the safety buffer.
func (l ChunkLimits) EffectiveMaxBytes() int64 {
	return int64(float64(l.MaxBytes) * l.SafetyBuffer)
}

// OversizedRequestError reports a single request that cannot fit any chunk:
// the cap is misconfigured, not the data.
type OversizedRequestError struct {
	CustomID string
	Bytes    int64
	Cap      int64
}

func (e *OversizedRequestError) Error() string {
	return fmt.Sprintf("config: request %s is %d bytes, exceeding the effective chunk cap of %d", e.CustomID, e.Bytes, e.Cap)
}

// chunkRequest is one serialized batch line with its token estimate.
type chunkRequest struct {
	line   []byte
	tokens int64
}

// BuildBatchLine serializes one request into batch JSONL form and estimates
// its tokens from the prompt lengths.
func BuildBatchLine(customID string, req llm.Request) (line []byte, tokens int64, err error) {
	body, err := llm.BuildChatBody(req)
	if err != nil {
		return nil, 0, err
	}
	wire := llm.BatchRequest{
		CustomID: customID,
		Method:   "POST",
		URL:      llm.ChatCompletionsPath,
		Body:     body,
	}
	line, err = json.Marshal(wire)
	if err != nil {
		return nil, 0, err
	}
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	tokens = int64((chars+3)/4) + systemTokensPerRequest
	return line, tokens, nil
}

// PackChunks packs serialized requests into chunk files under dir, sealing a
// chunk whenever adding the next request would overflow either limit.
func PackChunks(dir string, requests []chunkRequest, customIDs []string, limits ChunkLimits) ([]Chunk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	capBytes := limits.EffectiveMaxBytes()

	var chunks []Chunk
	var buf bytes.Buffer
	var count int
	var tokens int64

	seal := func() error {
		if count == 0 {
			return nil
		}
		name := fmt.Sprintf("chunk_%03d.jsonl", len(chunks))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return err
		}
		chunks = append(chunks, Chunk{
			Index:           len(chunks),
			InputFile:       path,
			RequestCount:    count,
			EstimatedTokens: tokens,
			SizeBytes:       int64(buf.Len()),
			Status:          ChunkPending,
		})
		buf.Reset()
		count = 0
		tokens = 0
		return nil
	}

	for i, req := range requests {
		lineLen := int64(len(req.line)) + 1
		if lineLen > capBytes {
			return nil, &OversizedRequestError{CustomID: customIDs[i], Bytes: lineLen, Cap: capBytes}
		}
		overflowBytes := int64(buf.Len())+lineLen > capBytes
		overflowCount := count+1 > limits.MaxRequests
		if overflowBytes || overflowCount {
			if err := seal(); err != nil {
				return nil, err
			}
		}
		buf.Write(req.line)
		buf.WriteByte('\n')
		count++
		tokens += req.tokens
	}
	if err := seal(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// ParseBatchOutput splits a downloaded batch output file into its lines.
func ParseBatchOutput(raw []byte) ([]llm.BatchResponseLine, error) {
	var out []llm.BatchResponseLine
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var parsed llm.BatchResponseLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, fmt.Errorf("batch output parse: %w", err)
		}
		out = append(out, parsed)
	}
	return out, nil
}
