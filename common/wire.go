package common

import "encoding/json"

type wireTool struct {
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters"`
}

func toWireTool(t Tool) wireTool {
	var params interface{}
	if t.Parameters != nil {
		params = t.Parameters
	} else if t.ParametersType != nil {
		params = SchemaFor(t.ParametersType)
	} else {
		params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return wireTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: params}
}

func toWireToolChoice(tc ToolChoice) interface{} {
	if tc.Type != "" {
		return string(tc.Type)
	}
	if tc.Name != "" {
		return map[string]string{"type": "function", "name": tc.Name}
	}
	return string(ToolChoiceAuto)
}

// MarshalJSON renders the wire form of a session config: Tools and
// ToolChoice, which carry Go-only fields (ParametersType, reflect.Type),
// are flattened into the plain JSON shapes the protocol expects.
func (c SessionConfig) MarshalJSON() ([]byte, error) {
	type alias SessionConfig // avoid recursive MarshalJSON
	wireTools := make([]wireTool, 0, len(c.Tools))
	for _, t := range c.Tools {
		wireTools = append(wireTools, toWireTool(t))
	}

	out := struct {
		alias
		Tools      []wireTool  `json:"tools,omitempty"`
		ToolChoice interface{} `json:"tool_choice,omitempty"`
	}{
		alias:      alias(c),
		Tools:      wireTools,
		ToolChoice: toWireToolChoice(c.ToolChoice),
	}
	return json.Marshal(out)
}
