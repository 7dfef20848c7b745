package attribution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Shape names the JSON layout an attribution blob arrived in.
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeObject
	ShapeEncodedString
	ShapeArray
	ShapeUnknown
)

func (s Shape) String() string {
	switch s {
	case ShapeEmpty:
		return "empty"
	case ShapeObject:
		return "object"
	case ShapeEncodedString:
		return "encoded_string"
	case ShapeArray:
		return "array"
	default:
		return "unknown"
	}
}

var ErrUnknownShape = errors.New("unrecognized attribution shape")

// ClickIDs are the advertising identifiers and UTM terms captured on a
// session landing or directly on a call.
type ClickIDs struct {
	Gclid       string `json:"gclid,omitempty"`
	Wbraid      string `json:"wbraid,omitempty"`
	Gbraid      string `json:"gbraid,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
}

// HasClickID reports whether any ad click identifier is present.
func (c ClickIDs) HasClickID() bool {
	return c.Gclid != "" || c.Wbraid != "" || c.Gbraid != ""
}

func (c ClickIDs) trimmed() ClickIDs {
	c.Gclid = strings.TrimSpace(c.Gclid)
	c.Wbraid = strings.TrimSpace(c.Wbraid)
	c.Gbraid = strings.TrimSpace(c.Gbraid)
	return c
}

// ParseClickIDs decodes a stored attribution blob. Accepted layouts:
//
//   - an object: {"gclid": "..."}
//   - the same object encoded once more as a JSON string
//   - an array, whose first element is decoded by the rules above
//
// Anything else yields empty ClickIDs, ShapeUnknown and ErrUnknownShape.
// Null and empty input are ShapeEmpty with no error.
func ParseClickIDs(raw []byte) (ClickIDs, Shape, error) {
	return parseClickIDs(raw, 0)
}

func parseClickIDs(raw []byte, depth int) (ClickIDs, Shape, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ClickIDs{}, ShapeEmpty, nil
	}
	if depth > 2 {
		return ClickIDs{}, ShapeUnknown, ErrUnknownShape
	}

	switch raw[0] {
	case '{':
		var c ClickIDs
		if err := json.Unmarshal(raw, &c); err != nil {
			return ClickIDs{}, ShapeUnknown, fmt.Errorf("%w: %v", ErrUnknownShape, err)
		}
		return c.trimmed(), ShapeObject, nil

	case '"':
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return ClickIDs{}, ShapeUnknown, fmt.Errorf("%w: %v", ErrUnknownShape, err)
		}
		c, shape, err := parseClickIDs([]byte(inner), depth+1)
		if err != nil || shape == ShapeEmpty {
			return c, shape, err
		}
		return c, ShapeEncodedString, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return ClickIDs{}, ShapeUnknown, fmt.Errorf("%w: %v", ErrUnknownShape, err)
		}
		if len(items) == 0 {
			return ClickIDs{}, ShapeEmpty, nil
		}
		c, shape, err := parseClickIDs(items[0], depth+1)
		if err != nil || shape == ShapeEmpty {
			return c, shape, err
		}
		return c, ShapeArray, nil
	}

	return ClickIDs{}, ShapeUnknown, ErrUnknownShape
}

// Encode returns the canonical object form, or nil when empty.
func (c ClickIDs) Encode() []byte {
	if c == (ClickIDs{}) {
		return nil
	}
	raw, _ := json.Marshal(c)
	return raw
}
