// Package taskfile loads the task documents fed to a ranking run. Documents
// are YAML or JSON and are checked against a JSON Schema before decoding.
package taskfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/stratrank/internal/deps"
	"github.com/basket/stratrank/internal/movement"
	"github.com/basket/stratrank/internal/scoring"
)

const documentSchema = `{
  "type": "object",
  "required": ["outcome", "tasks"],
  "properties": {
    "outcome": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "text": {"type": "string"}
      }
    },
    "strategy": {"enum": ["balanced", "quick_wins", "strategic_bets", "urgent"]},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "text"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "text": {"type": "string"},
          "document_id": {"type": "string"},
          "similarity": {"type": "number", "minimum": 0, "maximum": 1},
          "historical_success": {"type": "number", "minimum": 0, "maximum": 1},
          "state": {"enum": ["active", "reintroduced"]},
          "removal_reason": {"type": "string"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string"},
          "relationship": {"enum": ["prerequisite", "blocks", "related"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "detection_method": {"enum": ["inferred", "stored"]}
        }
      }
    }
  }
}`

type Outcome struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
}

// TaskSpec is one task as written in a document.
type TaskSpec struct {
	ID                string   `json:"id" yaml:"id"`
	Text              string   `json:"text" yaml:"text"`
	DocumentID        string   `json:"document_id,omitempty" yaml:"document_id,omitempty"`
	Similarity        *float64 `json:"similarity,omitempty" yaml:"similarity,omitempty"`
	HistoricalSuccess *float64 `json:"historical_success,omitempty" yaml:"historical_success,omitempty"`
	State             string   `json:"state,omitempty" yaml:"state,omitempty"`
	RemovalReason     string   `json:"removal_reason,omitempty" yaml:"removal_reason,omitempty"`
}

type Document struct {
	Outcome  Outcome     `json:"outcome" yaml:"outcome"`
	Strategy string      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Tasks    []TaskSpec  `json:"tasks" yaml:"tasks"`
	Edges    []deps.Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

var compiled = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("taskfile: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("taskfile.json", doc); err != nil {
		panic(fmt.Sprintf("taskfile: add schema resource: %v", err))
	}
	schema, err := c.Compile("taskfile.json")
	if err != nil {
		panic(fmt.Sprintf("taskfile: compile schema: %v", err))
	}
	return schema
}

// Load reads path. Files ending in .json are parsed as JSON, anything else
// as YAML.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read task file: %w", err)
	}
	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	doc, err := Parse(data, isJSON)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse validates and decodes a document.
func Parse(data []byte, isJSON bool) (Document, error) {
	raw := data
	if !isJSON {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return Document{}, fmt.Errorf("parse yaml: %w", err)
		}
		var err error
		if raw, err = json.Marshal(generic); err != nil {
			return Document{}, fmt.Errorf("convert yaml: %w", err)
		}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Document{}, fmt.Errorf("parse json: %w", err)
	}
	if err := compiled.Validate(inst); err != nil {
		return Document{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	for i := range doc.Edges {
		if doc.Edges[i].Relationship == "" {
			doc.Edges[i].Relationship = deps.Prerequisite
		}
		if doc.Edges[i].DetectionMethod == "" {
			doc.Edges[i].DetectionMethod = deps.Stored
		}
	}
	return doc, nil
}

// ScoringTasks returns the tasks in document order.
func (d Document) ScoringTasks() []scoring.Task {
	out := make([]scoring.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		out = append(out, scoring.Task{ID: t.ID, Text: t.Text, DocumentID: t.DocumentID, Similarity: t.Similarity})
	}
	return out
}

// History returns the per-task historical success rates that were given.
func (d Document) History() map[string]float64 {
	out := map[string]float64{}
	for _, t := range d.Tasks {
		if t.HistoricalSuccess != nil {
			out[t.ID] = *t.HistoricalSuccess
		}
	}
	return out
}

// Annotations returns the caller-supplied movement context.
func (d Document) Annotations() map[string]movement.Annotation {
	out := map[string]movement.Annotation{}
	for _, t := range d.Tasks {
		if t.State == "" && t.RemovalReason == "" {
			continue
		}
		st := movement.State(t.State)
		if st == "" {
			st = movement.StateActive
		}
		out[t.ID] = movement.Annotation{State: st, RemovalReason: t.RemovalReason}
	}
	return out
}
