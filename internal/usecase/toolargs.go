package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ragent/internal/domain"
)

// RCodeToolName is the single tool the model may call.
const RCodeToolName = "execute_r_code"

// rcodeParameters is the JSON Schema for execute_r_code arguments.
const rcodeParameters = `{
	"type": "object",
	"properties": {
		"code": {
			"type": "string",
			"minLength": 1,
			"description": "R code to execute in the session workspace"
		},
		"description": {
			"type": "string",
			"description": "Short note about what the code does"
		}
	},
	"required": ["code"],
	"additionalProperties": false
}`

// rcodeSchema is compiled once at init; the schema is a string literal, so
// a compile failure is a programming error.
var rcodeSchema = mustCompileSchema(rcodeParameters)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader([]byte(raw))); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return compiled
}

// RCodeToolSchema returns the tool description advertised to the model.
func RCodeToolSchema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        RCodeToolName,
		Description: "Execute R code in the session's persistent workspace. Variables, data frames and fitted models survive between calls.",
		Parameters:  json.RawMessage(rcodeParameters),
	}
}

// ParseRCodeArgs validates tool call arguments against the schema and
// extracts the code string. Malformed arguments yield ErrToolArgsInvalid.
func ParseRCodeArgs(raw json.RawMessage) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", domain.NewDomainError("ParseRCodeArgs", domain.ErrToolArgsInvalid, "invalid JSON: "+err.Error())
	}
	if err := rcodeSchema.Validate(v); err != nil {
		return "", domain.NewDomainError("ParseRCodeArgs", domain.ErrToolArgsInvalid, err.Error())
	}
	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", domain.NewDomainError("ParseRCodeArgs", domain.ErrToolArgsInvalid, err.Error())
	}
	return args.Code, nil
}
