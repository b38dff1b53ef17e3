package models

import "encoding/json"

// GenerateRequest is the wire shape of a generation submission.
// Either Recipe or Stages must be set.
type GenerateRequest struct {
	Recipe  string          `json:"recipe,omitempty"`
	Stages  []string        `json:"stages,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// GenerateResponse is the terminal outcome returned to the caller.
// Artifacts are only present when Status is StatusSucceeded.
type GenerateResponse struct {
	RequestID string           `json:"request_id"`
	Status    GenerationStatus `json:"status"`
	Artifacts []Artifact       `json:"artifacts,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Cost      int64            `json:"cost"`
}

// FlowInfo describes a registered flow and its metering.
type FlowInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Cost         int64           `json:"cost"`
	Visible      bool            `json:"visible"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// RecipeInfo describes a named stage sequence.
type RecipeInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Stages      []string `json:"stages"`
	Cost        int64    `json:"cost"`
}

// Catalog lists everything a client can request.
type Catalog struct {
	Flows   []FlowInfo   `json:"flows"`
	Recipes []RecipeInfo `json:"recipes"`
}

// CostQuote is what a plan would cost. Simulated quotes leave the balance untouched.
type CostQuote struct {
	Recipe    string   `json:"recipe,omitempty"`
	Stages    []string `json:"stages"`
	Cost      int64    `json:"cost"`
	Simulated bool     `json:"simulated"`
}
