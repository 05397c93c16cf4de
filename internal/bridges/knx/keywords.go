package knx

import (
	"fmt"
	"strings"
)

// ActionDef maps an inbound action keyword to the EIS type used to encode the
// command value. This is the single authoritative source for recognised
// keywords on the command path.
type ActionDef struct {
	Keyword string    // Keyword as sent by the platform (e.g. "FLOAT")
	Type    PointType // Target point type
}

// ActionKeywords is the exhaustive list of recognised action keywords.
var ActionKeywords = []ActionDef{
	{Keyword: "BYTE", Type: EIS1},
	{Keyword: "INT", Type: EIS10},
	{Keyword: "INT32", Type: EIS11},
	{Keyword: "FLOAT", Type: EIS9},
	{Keyword: "CHAR", Type: EIS13},
	{Keyword: "STRING", Type: EIS15},
}

// keywordIndex is built once from ActionKeywords.
var keywordIndex = func() map[string]PointType {
	idx := make(map[string]PointType, len(ActionKeywords))
	for _, def := range ActionKeywords {
		idx[def.Keyword] = def.Type
	}
	return idx
}()

// ActionType returns the EIS type for an action keyword.
//
// Keywords are matched exactly (case-sensitive) after trimming whitespace.
//
// Returns:
//   - PointType: target type
//   - error: ErrUnknownAction for keywords outside ActionKeywords
func ActionType(keyword string) (PointType, error) {
	if t, ok := keywordIndex[strings.TrimSpace(keyword)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, keyword)
}
