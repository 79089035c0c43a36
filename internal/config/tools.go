package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tool is a function announced to the remote model. Tools with an Endpoint
// are executed by POSTing the call there.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Endpoint    string         `yaml:"endpoint"`
}

type toolFile struct {
	Tools []Tool `yaml:"tools"`
}

func textParameter(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": description},
		},
		"required": []any{"text"},
	}
}

// DefaultTools returns the built-in tools whose endpoints are configured.
func (c Config) DefaultTools() []Tool {
	var tools []Tool
	if c.NestedRunnerURL != "" {
		tools = append(tools, Tool{
			Name:        "send_to_nested",
			Description: "Send a task to the nested agent team and return its answer.",
			Parameters:  textParameter("The task, in plain language."),
			Endpoint:    c.NestedRunnerURL,
		})
	}
	if c.CodeExecURL != "" {
		tools = append(tools, Tool{
			Name:        "execute_code",
			Description: "Ask the code assistant to write or run code.",
			Parameters:  textParameter("What the code should do."),
			Endpoint:    c.CodeExecURL,
		})
	}
	return tools
}

// Tools merges the built-in tools with TOOLS_FILE. A file entry replaces a
// built-in tool of the same name.
func (c Config) Tools() ([]Tool, error) {
	tools := c.DefaultTools()
	if c.ToolsFile == "" {
		return tools, nil
	}
	fromFile, err := LoadTools(c.ToolsFile)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(tools))
	for i, t := range tools {
		index[t.Name] = i
	}
	for _, t := range fromFile {
		if i, ok := index[t.Name]; ok {
			tools[i] = t
			continue
		}
		index[t.Name] = len(tools)
		tools = append(tools, t)
	}
	return tools, nil
}

// LoadTools reads a YAML document of the form
//
//	tools:
//	  - name: lookup_order
//	    description: Look up an order by id.
//	    endpoint: https://tools.internal/orders
//	    parameters: {type: object, properties: {id: {type: string}}}
func LoadTools(path string) ([]Tool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file: %w", err)
	}
	var doc toolFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tools file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(doc.Tools))
	for i, t := range doc.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tools file %s: tool %d has no name", path, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("tools file %s: duplicate tool %q", path, name)
		}
		seen[name] = true
		doc.Tools[i].Name = name
		if doc.Tools[i].Parameters == nil {
			doc.Tools[i].Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	}
	return doc.Tools, nil
}
