package crawl

import (
	"encoding/json"
	"fmt"
)

// Stage is one variant of an adapter's crawling state machine. Variants are
// plain structs with json tags; Index returns the stable integer
// discriminator persisted alongside the fields so the variant can be
// recovered after a restart.
type Stage interface {
	Index() int
}

// Reserved keys added to the serialized stage object.
const (
	indexKey = "_index"
	errorKey = "_error"
)

// EncodeTaskState serializes a stage into the task_json blob stored on the
// Source row: the stage's own fields plus "_index" and, when non-zero, the
// consecutive-error counter "_error".
func EncodeTaskState(stage Stage, errCount int) ([]byte, error) {
	raw, err := json.Marshal(stage)
	if err != nil {
		return nil, fmt.Errorf("marshal stage: %w", err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("stage must serialize to an object: %w", err)
	}

	fields[indexKey] = json.RawMessage(fmt.Sprintf("%d", stage.Index()))
	if errCount != 0 {
		fields[errorKey] = json.RawMessage(fmt.Sprintf("%d", errCount))
	}
	return json.Marshal(fields)
}

// DecodeTaskState splits a task_json blob into its stage discriminator, the
// error counter, and the raw fields for the adapter to unmarshal into the
// right variant.
func DecodeTaskState(data []byte) (index, errCount int, fields json.RawMessage, err error) {
	var head struct {
		Index *int `json:"_index"`
		Error int  `json:"_error"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, 0, nil, fmt.Errorf("decode task state: %w", err)
	}
	if head.Index == nil {
		return 0, 0, nil, fmt.Errorf("task state has no %q discriminator", indexKey)
	}
	return *head.Index, head.Error, json.RawMessage(data), nil
}

// DecodeStageInto unmarshals the raw stage fields into the variant value
// chosen by the adapter. Unknown keys (including the reserved ones) are
// ignored, matching how variants gain fields across versions.
func DecodeStageInto(fields json.RawMessage, variant Stage) (Stage, error) {
	if err := json.Unmarshal(fields, variant); err != nil {
		return nil, fmt.Errorf("decode stage %T: %w", variant, err)
	}
	return variant, nil
}
