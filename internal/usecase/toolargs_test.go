package usecase

import (
	"encoding/json"
	"errors"
	"testing"

	"ragent/internal/domain"
)

func TestParseRCodeArgs(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode string
		wantErr  bool
	}{
		{"minimal", `{"code":"mean(x)"}`, "mean(x)", false},
		{"with description", `{"code":"plot(x)","description":"scatter"}`, "plot(x)", false},
		{"empty code", `{"code":""}`, "", true},
		{"missing code", `{"description":"oops"}`, "", true},
		{"wrong key", `{"script":"mean(x)"}`, "", true},
		{"not json", `mean(x)`, "", true},
		{"wrong type", `{"code":42}`, "", true},
		{"extra key", `{"code":"x","verbose":true}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := ParseRCodeArgs(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got code %q", code)
				}
				if !errors.Is(err, domain.ErrToolArgsInvalid) {
					t.Errorf("err = %v, want ErrToolArgsInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestRCodeToolSchema(t *testing.T) {
	schema := RCodeToolSchema()
	if schema.Name != RCodeToolName {
		t.Errorf("name = %q", schema.Name)
	}
	if schema.Description == "" {
		t.Error("description empty")
	}
	var params map[string]any
	if err := json.Unmarshal(schema.Parameters, &params); err != nil {
		t.Fatalf("parameters not valid JSON: %v", err)
	}
	if params["type"] != "object" {
		t.Errorf("parameters type = %v", params["type"])
	}
}
