package llm

import (
	"encoding/json"
	"strings"

	"agentflow/domain"
)

// ParseStructured extracts a JSON object from model output. Markdown code
// fences are stripped and raw newlines inside string literals are escaped
// before parsing. Anything that is not a JSON object yields nil.
func ParseStructured(content string) domain.Document {
	trimmed := stripCodeFence(strings.TrimSpace(content))
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var doc domain.Document
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		return doc
	}
	if err := json.Unmarshal([]byte(escapeNewlinesInStrings(trimmed)), &doc); err == nil {
		return doc
	}
	return nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop the info string, eg ```json
	if newline := strings.IndexByte(s, '\n'); newline >= 0 {
		s = s[newline+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// escapeNewlinesInStrings escapes literal CR/LF characters that appear inside
// JSON string literals, a common defect in model-written JSON.
func escapeNewlinesInStrings(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	inString, escaped := false, false
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case escaped:
			escaped = false
			b.WriteByte(c)
		case c == '\\' && inString:
			escaped = true
			b.WriteByte(c)
		case c == '"':
			inString = !inString
			b.WriteByte(c)
		case inString && c == '\n':
			b.WriteString(`\n`)
		case inString && c == '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// extractMemoryUpdates removes a "memoryUpdates" list of {channel, payload}
// objects from structured output and returns it as memory writes.
func extractMemoryUpdates(structured domain.Document) (domain.Document, []domain.MemoryWrite) {
	raw, ok := structured["memoryUpdates"].([]any)
	if !ok {
		return structured, nil
	}
	var writes []domain.MemoryWrite
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		channel, _ := entry["channel"].(string)
		if channel == "" {
			continue
		}
		payload := domain.ToDocument(entry["payload"])
		if payload == nil {
			continue
		}
		writes = append(writes, domain.MemoryWrite{Channel: channel, Mode: domain.MemoryWriteModeAgentOutput, Payload: payload})
	}
	rest := structured.Clone()
	delete(rest, "memoryUpdates")
	return rest, writes
}
