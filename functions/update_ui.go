package functions

import (
	"github.com/room4-2/uirelay/messages"

	"google.golang.org/genai"
)

// UpdateUIFunctionDeclaration returns the function declaration for Gemini.
// The relay never interprets the arguments; they are passed to the client as a
// ui_command.
func UpdateUIFunctionDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        messages.UpdateUIToolName,
		Description: "Add, remove, or update a UI component on the user's screen.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"action": {
					Type:        genai.TypeString,
					Description: "The action to perform: 'add', 'remove', or 'clear'",
				},
				"component_id": {
					Type:        genai.TypeString,
					Description: "A unique ID for the component",
				},
				"component_type": {
					Type:        genai.TypeString,
					Description: "The type of widget to render, e.g., 'data_card', 'note_input', 'alert'",
				},
				"data": {
					Type:        genai.TypeString,
					Description: "A JSON string containing the data for the widget (e.g., title, text)",
				},
			},
			Required: []string{"action", "component_id"},
		},
	}
}

// Tools returns the tool set declared to every upstream session
func Tools() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				UpdateUIFunctionDeclaration(),
			},
		},
	}
}
