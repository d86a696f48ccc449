package patient

// Resource is one FHIR-shaped record. Shapes vary per resource kind, so
// entries stay schemaless; identity and kind are read through accessors.
type Resource map[string]any

// ID returns the stable record identifier, or "" when the resource has none.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Kind returns the discriminant resource type field.
func (r Resource) Kind() string {
	kind, _ := r["resourceType"].(string)
	return kind
}

// Record is the canonical aggregate for one conversation. Demographics is a
// single last-write-wins object; the collections are ordered and deduplicated
// by record id where one exists.
type Record struct {
	Demographics Resource   `json:"demographics,omitempty"`
	Encounters   []Resource `json:"encounters"`
	Medications  []Resource `json:"medications"`
	Observations []Resource `json:"observations"`
	Conditions   []Resource `json:"conditions"`
	Allergies    []Resource `json:"allergies"`
	Procedures   []Resource `json:"procedures"`
}

// NewRecord returns an empty record with all collections initialized.
func NewRecord() *Record {
	return &Record{
		Encounters:   []Resource{},
		Medications:  []Resource{},
		Observations: []Resource{},
		Conditions:   []Resource{},
		Allergies:    []Resource{},
		Procedures:   []Resource{},
	}
}

// Section names, used both as JSON keys of the canonical record shape and as
// routing targets for typed resources.
const (
	SectionDemographics = "demographics"
	SectionEncounters   = "encounters"
	SectionMedications  = "medications"
	SectionObservations = "observations"
	SectionConditions   = "conditions"
	SectionAllergies    = "allergies"
	SectionProcedures   = "procedures"
)

// SectionForKind maps a resource discriminant to its record section.
// Unknown kinds map to "".
func SectionForKind(kind string) string {
	switch kind {
	case "Patient":
		return SectionDemographics
	case "Encounter":
		return SectionEncounters
	case "MedicationRequest", "MedicationStatement", "MedicationAdministration", "MedicationDispense", "Medication":
		return SectionMedications
	case "Observation":
		return SectionObservations
	case "Condition":
		return SectionConditions
	case "AllergyIntolerance":
		return SectionAllergies
	case "Procedure":
		return SectionProcedures
	default:
		return ""
	}
}
