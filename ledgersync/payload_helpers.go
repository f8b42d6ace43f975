// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// PayloadExtractor provides typed access to a decoded JSON object payload.
// PayloadValidator implementations use it to check ledger fields.
type PayloadExtractor struct {
	data map[string]any
}

// NewPayloadExtractor creates a PayloadExtractor from JSON payload bytes
func NewPayloadExtractor(payload []byte) (*PayloadExtractor, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &PayloadExtractor{data: m}, nil
}

// NewPayloadExtractorFromMap wraps an already decoded payload
func NewPayloadExtractorFromMap(data map[string]any) *PayloadExtractor {
	return &PayloadExtractor{data: data}
}

// StrField returns nil if the field is missing, null, or not a string
func (p *PayloadExtractor) StrField(key string) *string {
	if v, ok := p.data[key]; ok && v != nil {
		if s, ok2 := v.(string); ok2 {
			return &s
		}
	}
	return nil
}

// Float64Field accepts JSON numbers and numeric strings ("120.50")
func (p *PayloadExtractor) Float64Field(key string) *float64 {
	v, ok := p.data[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		n, err := strconv.ParseFloat(t, 64)
		if err == nil {
			return &n
		}
	}
	return nil
}

// UUIDField returns nil if the field is missing or not a UUID string
func (p *PayloadExtractor) UUIDField(key string) *uuid.UUID {
	if s := p.StrField(key); s != nil {
		if id, err := uuid.Parse(*s); err == nil {
			return &id
		}
	}
	return nil
}

// HasField checks if a field exists in the payload (even if it's null)
func (p *PayloadExtractor) HasField(key string) bool {
	_, ok := p.data[key]
	return ok
}

// RequireStrings fails unless every key holds a non-empty string
func RequireStrings(keys ...string) PayloadValidator {
	return func(payload map[string]any) error {
		p := NewPayloadExtractorFromMap(payload)
		for _, k := range keys {
			if s := p.StrField(k); s == nil || *s == "" {
				return fmt.Errorf("required string field '%s' is missing or empty", k)
			}
		}
		return nil
	}
}

// RequireUUIDs fails unless every key holds a UUID string
func RequireUUIDs(keys ...string) PayloadValidator {
	return func(payload map[string]any) error {
		p := NewPayloadExtractorFromMap(payload)
		for _, k := range keys {
			if p.UUIDField(k) == nil {
				return fmt.Errorf("field '%s' must be a UUID", k)
			}
		}
		return nil
	}
}

// RequireNonNegative fails unless every key holds a number >= 0
func RequireNonNegative(keys ...string) PayloadValidator {
	return func(payload map[string]any) error {
		p := NewPayloadExtractorFromMap(payload)
		for _, k := range keys {
			n := p.Float64Field(k)
			if n == nil {
				return fmt.Errorf("numeric field '%s' is missing or invalid", k)
			}
			if *n < 0 {
				return fmt.Errorf("field '%s' must be >= 0, got %v", k, *n)
			}
		}
		return nil
	}
}

// AllOf runs validators in order and returns the first failure
func AllOf(validators ...PayloadValidator) PayloadValidator {
	return func(payload map[string]any) error {
		for _, v := range validators {
			if err := v(payload); err != nil {
				return err
			}
		}
		return nil
	}
}

// StrictLedgerEntities registers the ledger entity types with minimal field checks
func StrictLedgerEntities() []RegisteredEntity {
	return []RegisteredEntity{
		{Type: EntitySupplier, Validate: RequireStrings("name")},
		{Type: EntityProduct, Validate: RequireStrings("name")},
		{Type: EntityRate, Validate: RequireNonNegative("price")},
		{Type: EntityCollection, Validate: RequireNonNegative("amount")},
		{Type: EntityPayment, Validate: RequireNonNegative("amount")},
	}
}
