package store

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/pitchpractice/internal/rubric"
)

// EncodeRubric serialises a rubric selection for SQL drivers.
func EncodeRubric(sel rubric.Selection) ([]byte, error) {
	data, err := json.Marshal(sel)
	if err != nil {
		return nil, fmt.Errorf("store: encode rubric: %w", err)
	}
	return data, nil
}

// DecodeRubric is the inverse of [EncodeRubric]. Empty input yields the zero
// selection.
func DecodeRubric(data []byte) (rubric.Selection, error) {
	var sel rubric.Selection
	if len(data) == 0 {
		return sel, nil
	}
	if err := json.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("store: decode rubric: %w", err)
	}
	return sel, nil
}
