package protocol

// Dialect classifies the payload shape of an incoming message.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectCanonical
	DialectToolCall
	DialectLegacyFlat
)

func (d Dialect) String() string {
	switch d {
	case DialectCanonical:
		return "canonical_jsonrpc"
	case DialectToolCall:
		return "tool_call"
	case DialectLegacyFlat:
		return "legacy_flat"
	default:
		return "unknown"
	}
}

// Detection is a dialect classification with a heuristic confidence.
// Callers rank by confidence; the numeric values themselves are not a
// contract.
type Detection struct {
	Dialect    Dialect
	Confidence float64
}

// Detect classifies a decoded top-level object. Rules apply first-match:
//
//  1. jsonrpc == "2.0" with a method string → canonical, 0.95
//  2. a top-level "tool" string → tool_call, 0.9
//  3. a method string without the envelope → legacy_flat, 0.75
//  4. anything else → unknown, 0.0
//
// Only top-level keys are examined; nothing below them is touched.
func Detect(obj map[string]any) Detection {
	version, _ := obj["jsonrpc"].(string)
	method, hasMethod := obj["method"].(string)

	if version == "2.0" && hasMethod && method != "" {
		return Detection{Dialect: DialectCanonical, Confidence: 0.95}
	}
	if tool, ok := obj["tool"].(string); ok && tool != "" {
		return Detection{Dialect: DialectToolCall, Confidence: 0.9}
	}
	if hasMethod && method != "" {
		return Detection{Dialect: DialectLegacyFlat, Confidence: 0.75}
	}
	return Detection{Dialect: DialectUnknown, Confidence: 0.0}
}
