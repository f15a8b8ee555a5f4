package r5

import "encoding/json"

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Name         []HumanName `json:"name,omitempty"`
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Name         []HumanName `json:"name,omitempty"`
}

// Bundle represents a FHIR R5 Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"` // document | message | transaction | batch | collection | ...
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one resource in a Bundle. Resource holds any resource struct.
type BundleEntry struct {
	FullURL  string `json:"fullUrl,omitempty"`
	Resource any    `json:"resource"`
}

// BundleTypeCollection groups resources without transaction semantics.
const BundleTypeCollection = "collection"

// NewBundle creates an empty bundle of the given type.
func NewBundle(bundleType string) *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: bundleType}
}

// Add appends a resource under fullURL.
func (b *Bundle) Add(fullURL string, resource any) {
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: resource})
}

// MedicationRequests returns the MedicationRequest entries in order.
func (b *Bundle) MedicationRequests() []*MedicationRequest {
	var out []*MedicationRequest
	for _, e := range b.Entry {
		if mr, ok := e.Resource.(*MedicationRequest); ok {
			out = append(out, mr)
		}
	}
	return out
}

// resourceHeader peeks at resourceType while decoding bundle entries.
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
}

// UnmarshalJSON decodes entries into their concrete resource types.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.FullURL = raw.FullURL

	var hdr resourceHeader
	if err := json.Unmarshal(raw.Resource, &hdr); err != nil {
		return err
	}

	var target any
	switch hdr.ResourceType {
	case "MedicationRequest":
		target = &MedicationRequest{}
	case "Patient":
		target = &Patient{}
	case "Practitioner":
		target = &Practitioner{}
	case "OperationOutcome":
		target = &OperationOutcome{}
	default:
		e.Resource = raw.Resource
		return nil
	}
	if err := json.Unmarshal(raw.Resource, target); err != nil {
		return err
	}
	e.Resource = target
	return nil
}
