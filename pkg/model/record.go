package model

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]{1,64}$`)

// CheckRecordID reports whether id is a valid record identifier.
func CheckRecordID(id string) bool {
	return idRegex.MatchString(id)
}

// Record is the user facing record type, representing a JSON object.
//
//	"id" field is reserved for the record ID.
//	"collection" field is reserved for the collection name.
//	"updatedAt" field is reserved for the last updated timestamp.
//	"createdAt" field is reserved for the creation timestamp.
type Record map[string]interface{}

func (r Record) GetID() string {
	if id, ok := r["id"].(string); ok {
		return id
	}
	return ""
}

func (r Record) SetID(newID string) {
	r["id"] = newID
}

func (r Record) GenerateIDIfEmpty() {
	if _, ok := r["id"]; !ok {
		r["id"] = uuid.New().String()
	}
}

func (r Record) GetCollection() string {
	if collection, ok := r["collection"].(string); ok {
		return collection
	}
	return ""
}

func (r Record) SetCollection(collection string) {
	r["collection"] = collection
}

func (r Record) HasKey(key string) bool {
	_, exists := r[key]
	return exists
}

// Clone returns a shallow copy of the record. Fan-out paths clone before
// handing records to per-connection writers so a later mutation by the
// caller cannot race a delivery in flight.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Record) Validate() error {
	if r == nil {
		return errors.New("record cannot be nil")
	}

	if idVal, ok := r["id"]; ok {
		switch idValue := idVal.(type) {
		case string:
			if idValue == "" {
				return errors.New("record field 'id' cannot be empty")
			}
			if !idRegex.MatchString(idValue) {
				return errors.New("invalid 'id' field: must be 1-64 characters of a-z, A-Z, 0-9, _, ., -")
			}
		case int, int32, int64:
			r["id"] = fmt.Sprintf("%d", idValue)
		default:
			return errors.New("record field 'id' must be a string or integer")
		}
	}

	return nil
}
