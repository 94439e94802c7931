package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	idRegex         = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]{1,64}$`)
	collectionRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,128}$`)
)

// PlaceholderPrefix marks ids generated locally for creations that the remote
// store has not confirmed yet.
const PlaceholderPrefix = "pending_"

func CheckDocumentID(id string) bool {
	return idRegex.MatchString(id)
}

func CheckCollection(name string) bool {
	return collectionRegex.MatchString(name)
}

// IsPlaceholderID reports whether id was issued locally for a queued creation.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// Document is the generic record exchanged with the remote store.
//
//	"id" field carries the document ID on reads.
type Document map[string]interface{}

func (doc Document) GetID() string {
	if id, ok := doc["id"].(string); ok {
		return id
	}
	return ""
}

func (doc Document) SetID(newID string) {
	doc["id"] = newID
}

func (doc Document) HasKey(key string) bool {
	_, exists := doc[key]
	return exists
}

// Clone returns a shallow copy; nested maps are shared.
func (doc Document) Clone() Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Merge applies patch on top of doc, field by field.
func (doc Document) Merge(patch map[string]interface{}) {
	for k, v := range patch {
		doc[k] = v
	}
}

// WithoutID returns a copy without the reserved "id" field.
func (doc Document) WithoutID() Document {
	out := doc.Clone()
	delete(out, "id")
	return out
}

func (doc Document) ValidateDocument() error {
	if doc == nil {
		return errors.New("data cannot be nil")
	}

	if idVal, ok := doc["id"]; ok {
		switch idValue := idVal.(type) {
		case string:
			if idValue == "" {
				return errors.New("data field 'id' cannot be empty")
			}
			if !idRegex.MatchString(idValue) {
				return errors.New("invalid 'id' field: must be 1-64 characters of a-z, A-Z, 0-9, _, ., -")
			}
		case int, int32, int64:
			doc["id"] = fmt.Sprintf("%d", idValue)
		default:
			return errors.New("data field 'id' must be a string or integer")
		}
	}

	return nil
}
