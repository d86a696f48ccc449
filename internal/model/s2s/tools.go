package s2s

import (
	"fmt"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// ToolConfig is the catalog announced in promptStart.
type ToolConfig struct {
	Tools []ToolEntry `json:"tools"`
}

// ToolEntry wraps one tool specification.
type ToolEntry struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// ToolSpec names a tool and declares its input contract. The schema is
// carried as a JSON string under the "json" key, per the wire format.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema holds the JSON-schema text for the tool input.
type ToolInputSchema struct {
	JSON string `json:"json"`
}

// toolSchema is the JSON-schema object serialized into ToolInputSchema.
type toolSchema struct {
	Schema     string                    `json:"$schema"`
	Type       string                    `json:"type"`
	Properties map[string]toolSchemaProp `json:"properties"`
	Required   []string                  `json:"required"`
}

type toolSchemaProp struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// NewToolSpec builds a tool spec with a draft-07 object schema. props maps
// property name to (type, description); required lists mandatory properties
// and is always emitted, even when empty.
func NewToolSpec(name, description string, props map[string][2]string, required []string) ToolSpec {
	schema := toolSchema{
		Schema:     "http://json-schema.org/draft-07/schema#",
		Type:       "object",
		Properties: map[string]toolSchemaProp{},
		Required:   required,
	}
	if schema.Required == nil {
		schema.Required = []string{}
	}
	for prop, td := range props {
		schema.Properties[prop] = toolSchemaProp{Type: td[0], Description: td[1]}
	}
	text, err := sonic.MarshalString(&schema)
	if err != nil {
		// The schema is built from literals; this cannot fail at runtime.
		panic(fmt.Sprintf("marshal tool schema for %s: %v", name, err))
	}
	return ToolSpec{
		Name:        name,
		Description: description,
		InputSchema: ToolInputSchema{JSON: text},
	}
}

func patientIDTool(name, description string) ToolSpec {
	return NewToolSpec(name, description,
		map[string][2]string{"patient_id": {"string", "FHIR logical ID of the Patient resource."}},
		[]string{"patient_id"})
}

// DefaultToolConfig returns the clinical record retrieval catalog.
func DefaultToolConfig() ToolConfig {
	specs := []ToolSpec{
		NewToolSpec("searchByType",
			"Return every FHIR resource of the specified type (e.g., Patient, Observation, Encounter).",
			map[string][2]string{"resource_type": {"string", "FHIR resource type to search for."}},
			[]string{"resource_type"}),
		NewToolSpec("searchById",
			"Fetch a specific FHIR resource by its logical ID.",
			map[string][2]string{"resource_id": {"string", "The logical ID of the resource."}},
			[]string{"resource_id"}),
		NewToolSpec("searchByText",
			"Full-text search across all stored FHIR JSON documents.",
			map[string][2]string{"query": {"string", "Free-text search expression."}},
			[]string{"query"}),
		NewToolSpec("findPatient",
			"Locate patients by name, birth date, or other demographic identifiers.",
			map[string][2]string{"query": {"string", "Name fragment, DOB (YYYY-MM-DD), MRN, etc."}},
			[]string{"query"}),
		patientIDTool("getPatientObservations", "Retrieve Observation resources (vitals and labs) for a patient."),
		patientIDTool("getPatientConditions", "List active Condition resources for a patient."),
		patientIDTool("getPatientMedications", "List current MedicationRequest / MedicationStatement items for the patient."),
		patientIDTool("getPatientEncounters", "Return Encounter records (visits, admissions) for the patient."),
		patientIDTool("getPatientAllergies", "Retrieve AllergyIntolerance resources for the patient."),
		patientIDTool("getPatientProcedures", "Return Procedure resources for the patient."),
		patientIDTool("getVitalSigns", "Return classic vital-sign Observations (BP, HR, RR, Temp, O2Sat, Height, Weight, BMI)."),
		patientIDTool("getLabResults", "Return Observation resources categorised as laboratory results for the patient."),
		NewToolSpec("executeClinicalQuery",
			"Run any raw FHIR search expression (e.g., \"Condition?patient=12345&status=active\").",
			map[string][2]string{"query": {"string", "A valid FHIR search query string."}},
			[]string{"query"}),
		NewToolSpec("listResourceTypes",
			"Return an array of distinct FHIR resource types available in the database.",
			nil, nil),
	}

	cfg := ToolConfig{Tools: make([]ToolEntry, 0, len(specs))}
	for _, spec := range specs {
		cfg.Tools = append(cfg.Tools, ToolEntry{ToolSpec: spec})
	}
	return cfg
}

// catalogFile is the yaml shape for a user-provided tool catalog.
type catalogFile struct {
	Tools []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Properties  map[string]struct {
			Type        string `yaml:"type"`
			Description string `yaml:"description"`
		} `yaml:"properties"`
		Required []string `yaml:"required"`
	} `yaml:"tools"`
}

// LoadToolConfig reads a tool catalog from a yaml file. An empty path yields
// the default catalog.
func LoadToolConfig(path string) (ToolConfig, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultToolConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ToolConfig{}, fmt.Errorf("read tool catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ToolConfig{}, fmt.Errorf("parse tool catalog: %w", err)
	}
	if len(file.Tools) == 0 {
		return ToolConfig{}, fmt.Errorf("tool catalog %s defines no tools", path)
	}

	cfg := ToolConfig{Tools: make([]ToolEntry, 0, len(file.Tools))}
	for _, tool := range file.Tools {
		if tool.Name == "" {
			return ToolConfig{}, fmt.Errorf("tool catalog %s contains an unnamed tool", path)
		}
		props := make(map[string][2]string, len(tool.Properties))
		for name, prop := range tool.Properties {
			props[name] = [2]string{prop.Type, prop.Description}
		}
		cfg.Tools = append(cfg.Tools, ToolEntry{ToolSpec: NewToolSpec(tool.Name, tool.Description, props, tool.Required)})
	}
	return cfg, nil
}
