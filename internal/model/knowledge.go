package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// KnowledgeType classifies a semantic record.
type KnowledgeType string

const (
	KnowledgePreference KnowledgeType = "preference"
	KnowledgePattern    KnowledgeType = "pattern"
	KnowledgeFact       KnowledgeType = "fact"
	KnowledgeConcept    KnowledgeType = "concept"
)

// ValidKnowledgeTypes are the allowed knowledge types.
var ValidKnowledgeTypes = map[KnowledgeType]bool{
	KnowledgePreference: true,
	KnowledgePattern:    true,
	KnowledgeFact:       true,
	KnowledgeConcept:    true,
}

// ValueKind tags which field of a KnowledgeValue is populated.
type ValueKind string

const (
	ValueText       ValueKind = "string"
	ValueNumber     ValueKind = "number"
	ValuePreference ValueKind = "preference"
)

// Preference is the structured shape used for likes, dislikes and recurring affect.
type Preference struct {
	Subject   string  `json:"subject"`
	Sentiment string  `json:"sentiment"`
	Strength  float64 `json:"strength,omitempty"`
}

// KnowledgeValue is a closed union over the value shapes a semantic record may hold.
// Exactly one of Text, Number or Preference is meaningful, selected by Kind.
type KnowledgeValue struct {
	Kind       ValueKind   `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Number     float64     `json:"number,omitempty"`
	Preference *Preference `json:"preference,omitempty"`
}

// TextValue builds a string-valued KnowledgeValue.
func TextValue(s string) KnowledgeValue {
	return KnowledgeValue{Kind: ValueText, Text: s}
}

// NumberValue builds a number-valued KnowledgeValue.
func NumberValue(n float64) KnowledgeValue {
	return KnowledgeValue{Kind: ValueNumber, Number: n}
}

// PreferenceValue builds a preference-valued KnowledgeValue.
func PreferenceValue(subject, sentiment string, strength float64) KnowledgeValue {
	return KnowledgeValue{Kind: ValuePreference, Preference: &Preference{
		Subject:   subject,
		Sentiment: sentiment,
		Strength:  strength,
	}}
}

// Validate checks that the populated field matches Kind.
func (v KnowledgeValue) Validate() error {
	switch v.Kind {
	case ValueText:
		if v.Preference != nil || v.Number != 0 {
			return &ValidationError{Field: "value", Reason: "string value carries other fields"}
		}
	case ValueNumber:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return &ValidationError{Field: "value", Reason: "number must be finite"}
		}
		if v.Preference != nil || v.Text != "" {
			return &ValidationError{Field: "value", Reason: "number value carries other fields"}
		}
	case ValuePreference:
		if v.Preference == nil || v.Preference.Subject == "" {
			return &ValidationError{Field: "value", Reason: "preference requires a subject"}
		}
		if v.Text != "" || v.Number != 0 {
			return &ValidationError{Field: "value", Reason: "preference value carries other fields"}
		}
	default:
		return &ValidationError{Field: "value", Reason: fmt.Sprintf("unknown value kind %q", v.Kind)}
	}
	return nil
}

// String renders the value for display and full-text indexing.
func (v KnowledgeValue) String() string {
	switch v.Kind {
	case ValueText:
		return v.Text
	case ValueNumber:
		return fmt.Sprintf("%g", v.Number)
	case ValuePreference:
		if v.Preference == nil {
			return ""
		}
		return v.Preference.Subject + " " + v.Preference.Sentiment
	}
	return ""
}

// MarshalValue encodes v for storage after validating it.
func MarshalValue(v KnowledgeValue) (string, error) {
	if err := v.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode knowledge value: %w", err)
	}
	return string(b), nil
}

// UnmarshalValue decodes a stored value and rejects shapes outside the union.
func UnmarshalValue(s string) (KnowledgeValue, error) {
	var v KnowledgeValue
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return v, fmt.Errorf("decode knowledge value: %w", err)
	}
	return v, v.Validate()
}
