package patient

import (
	"errors"
	"log"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/clinvoice/backend/internal/model/patient"
)

// ErrUnusableShape marks a payload that carried no mergeable clinical data.
// Callers log and continue; a bad tool result never tears a session down.
var ErrUnusableShape = errors.New("tool result has no mergeable shape")

// Aggregator is the sole owner and mutator of the patient record. It folds
// arbitrary-shaped tool results into the canonical record; everything else
// reads snapshots.
type Aggregator struct {
	mu  sync.RWMutex
	rec *patient.Record
}

// NewAggregator returns an aggregator with an empty record.
func NewAggregator() *Aggregator {
	return &Aggregator{rec: patient.NewRecord()}
}

// Reset clears the record at a session boundary.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.rec = patient.NewRecord()
	a.mu.Unlock()
}

// Snapshot returns a deep copy of the current record for read-only use.
func (a *Aggregator) Snapshot() patient.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := patient.Record{
		Demographics: copyResource(a.rec.Demographics),
		Encounters:   copySection(a.rec.Encounters),
		Medications:  copySection(a.rec.Medications),
		Observations: copySection(a.rec.Observations),
		Conditions:   copySection(a.rec.Conditions),
		Allergies:    copySection(a.rec.Allergies),
		Procedures:   copySection(a.rec.Procedures),
	}
	return out
}

// Apply parses one tool-result payload and merges it. Payload shapes, in
// priority order: an object shaped like the canonical record; a typed array
// of resources; a FHIR bundle. Tool envelopes ({"result":..,"patientData":..})
// are unwrapped first. Returns ErrUnusableShape when nothing merged.
func (a *Aggregator) Apply(payload []byte) error {
	var value any
	if err := sonic.Unmarshal(payload, &value); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.merge(value) {
		return ErrUnusableShape
	}
	return nil
}

// merge dispatches one decoded value. Reports whether anything was merged.
func (a *Aggregator) merge(value any) bool {
	switch v := value.(type) {
	case map[string]any:
		return a.mergeObject(v)
	case []any:
		merged := false
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if a.mergeObject(obj) {
				merged = true
			}
		}
		return merged
	default:
		return false
	}
}

func (a *Aggregator) mergeObject(obj map[string]any) bool {
	// Tool envelope: merge the pre-aggregated record first, then the raw
	// result, so fresh resources land on top of the snapshot.
	if result, hasResult := obj["result"]; hasResult || obj["patientData"] != nil {
		merged := false
		if data, ok := obj["patientData"].(map[string]any); ok {
			if a.mergeRecordShape(data) {
				merged = true
			}
		}
		if hasResult && result != nil {
			if a.merge(result) {
				merged = true
			}
		}
		return merged
	}

	if kind := patient.Resource(obj).Kind(); kind != "" {
		if kind == "Bundle" {
			return a.mergeBundle(obj)
		}
		return a.mergeResource(obj)
	}

	return a.mergeRecordShape(obj)
}

// mergeBundle walks a generic container and dispatches each entry by its
// resource kind.
func (a *Aggregator) mergeBundle(bundle map[string]any) bool {
	entries, ok := bundle["entry"].([]any)
	if !ok {
		return false
	}
	merged := false
	for _, entry := range entries {
		wrapper, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		resource, ok := wrapper["resource"].(map[string]any)
		if !ok {
			// Bare entries without the resource wrapper are tolerated.
			resource = wrapper
		}
		if a.mergeResource(resource) {
			merged = true
		}
	}
	return merged
}

// mergeResource routes one typed resource to its section.
func (a *Aggregator) mergeResource(obj map[string]any) bool {
	res := patient.Resource(obj)
	section := patient.SectionForKind(res.Kind())
	if section == "" {
		log.Printf("[patient] skipping resource of unknown kind %q", res.Kind())
		return false
	}
	a.mergeIntoSection(section, res)
	return true
}

// mergeRecordShape merges an object structured like the canonical record,
// section by section.
func (a *Aggregator) mergeRecordShape(obj map[string]any) bool {
	merged := false
	for _, section := range []string{
		patient.SectionDemographics,
		patient.SectionEncounters,
		patient.SectionMedications,
		patient.SectionObservations,
		patient.SectionConditions,
		patient.SectionAllergies,
		patient.SectionProcedures,
	} {
		value, ok := obj[section]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			if section == patient.SectionDemographics {
				a.rec.Demographics = patient.Resource(v)
				merged = true
			}
		case []any:
			for _, item := range v {
				res, ok := item.(map[string]any)
				if !ok {
					continue
				}
				a.mergeIntoSection(section, res)
				merged = true
			}
		}
	}
	return merged
}

// mergeIntoSection applies the per-section contract: demographics replace
// wholesale; collections append with dedup by record id. Items without an id
// are always appended, so those sections stay append-order dependent.
func (a *Aggregator) mergeIntoSection(section string, res patient.Resource) {
	if section == patient.SectionDemographics {
		a.rec.Demographics = res
		return
	}
	target := a.section(section)
	*target = appendDedup(*target, res)
}

func (a *Aggregator) section(name string) *[]patient.Resource {
	switch name {
	case patient.SectionEncounters:
		return &a.rec.Encounters
	case patient.SectionMedications:
		return &a.rec.Medications
	case patient.SectionObservations:
		return &a.rec.Observations
	case patient.SectionConditions:
		return &a.rec.Conditions
	case patient.SectionAllergies:
		return &a.rec.Allergies
	case patient.SectionProcedures:
		return &a.rec.Procedures
	default:
		panic("unknown record section " + name)
	}
}

// appendDedup keeps the first occurrence of each identified item in place and
// never updates it; unidentified items are always appended.
func appendDedup(items []patient.Resource, res patient.Resource) []patient.Resource {
	if id := res.ID(); id != "" {
		for _, existing := range items {
			if existing.ID() == id {
				return items
			}
		}
	}
	return append(items, res)
}

func copyResource(res patient.Resource) patient.Resource {
	if res == nil {
		return nil
	}
	out := make(patient.Resource, len(res))
	for k, v := range res {
		out[k] = copyValue(v)
	}
	return out
}

func copySection(items []patient.Resource) []patient.Resource {
	out := make([]patient.Resource, 0, len(items))
	for _, item := range items {
		out = append(out, copyResource(item))
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = copyValue(inner)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, inner := range t {
			out = append(out, copyValue(inner))
		}
		return out
	default:
		return t
	}
}
