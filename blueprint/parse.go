package blueprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"agentflow/common"
	"agentflow/domain"

	"github.com/goccy/go-yaml"
)

// CurrentSchemaVersion is the newest blueprint schema this build understands.
const CurrentSchemaVersion = 1

// ParseBlueprint decodes a JSON or YAML blueprint document and upgrades it to
// CurrentSchemaVersion.
func ParseBlueprint(data []byte) (domain.FlowBlueprint, error) {
	jsonData, err := ToJSON(data)
	if err != nil {
		return domain.FlowBlueprint{}, err
	}

	var bp domain.FlowBlueprint
	if err := json.Unmarshal(jsonData, &bp); err != nil {
		return domain.FlowBlueprint{}, &common.ConfigurationError{Reason: "invalid blueprint document", Err: err}
	}
	return Upgrade(bp)
}

// ToJSON normalizes a blueprint document to JSON. JSON input is returned as
// is; anything else is treated as YAML.
func ToJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, common.NewConfigurationError("empty blueprint document")
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}
	jsonData, err := yaml.YAMLToJSON(trimmed)
	if err != nil {
		return nil, &common.ConfigurationError{Reason: "invalid blueprint yaml", Err: err}
	}
	return jsonData, nil
}

// Upgrade brings bp up to CurrentSchemaVersion and fills in defaults. The
// transform only adds information, so older documents stay loadable. The
// input is not modified.
func Upgrade(bp domain.FlowBlueprint) (domain.FlowBlueprint, error) {
	if bp.SchemaVersion > CurrentSchemaVersion {
		return domain.FlowBlueprint{}, fmt.Errorf("%w: %d (max %d)", common.ErrUnsupportedSchemaVersion, bp.SchemaVersion, CurrentSchemaVersion)
	}
	if bp.SchemaVersion < 0 {
		return domain.FlowBlueprint{}, fmt.Errorf("%w: %d", common.ErrUnsupportedSchemaVersion, bp.SchemaVersion)
	}

	// 0 -> 1: start step and max attempts became explicit, channel ids became
	// case-insensitive
	if bp.SchemaVersion == 0 {
		bp.SchemaVersion = 1
	}

	bp.Steps = slices.Clone(bp.Steps)
	if bp.StartStepId == "" && len(bp.Steps) > 0 {
		bp.StartStepId = bp.Steps[0].Id
	}

	bp.Memory.SharedChannels = slices.Clone(bp.Memory.SharedChannels)
	for i := range bp.Memory.SharedChannels {
		bp.Memory.SharedChannels[i].Id = NormalizeChannel(bp.Memory.SharedChannels[i].Id)
	}

	for i := range bp.Steps {
		step := &bp.Steps[i]
		if step.MaxAttempts <= 0 {
			step.MaxAttempts = 1
		}
		step.MemoryReads = slices.Clone(step.MemoryReads)
		for j := range step.MemoryReads {
			step.MemoryReads[j].Channel = NormalizeChannel(step.MemoryReads[j].Channel)
		}
		step.MemoryWrites = slices.Clone(step.MemoryWrites)
		for j := range step.MemoryWrites {
			step.MemoryWrites[j].Channel = NormalizeChannel(step.MemoryWrites[j].Channel)
			if step.MemoryWrites[j].Mode == "" {
				step.MemoryWrites[j].Mode = domain.MemoryWriteModeAgentOutput
			}
		}
	}
	return bp, nil
}

// NormalizeChannel lower-cases and trims a memory channel id.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
