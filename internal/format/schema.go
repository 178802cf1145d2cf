package format

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/vantorre/antigravity-relay/internal/config"
)

// maxSchemaDepth bounds schema recursion. Subtrees nested deeper than this
// are replaced by an opaque description so a hostile schema cannot blow the
// stack or the request size.
const maxSchemaDepth = 12

// schemaTooDeep replaces subtrees past the depth cap.
func schemaTooDeep() map[string]any {
	return map[string]any{"description": "[schema too deep]"}
}

// placeholderSchema substitutes for empty or unusable tool schemas. The API
// rejects object schemas without properties.
func placeholderSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []any{"reason"},
	}
}

// SchemaCache memoizes sanitized tool schemas. Tool definitions repeat on
// every turn of a conversation, so the full sanitization pipeline runs once
// per distinct schema per family.
type SchemaCache struct {
	cache *ristretto.Cache
}

// NewSchemaCache creates the memoization cache.
func NewSchemaCache() (*SchemaCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: config.SchemaCacheMaxEntries * 10,
		MaxCost:     config.SchemaCacheMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SchemaCache{cache: cache}, nil
}

func (c *SchemaCache) get(key string) (json.RawMessage, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	value, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	raw, ok := value.(json.RawMessage)
	return raw, ok
}

func (c *SchemaCache) put(key string, value json.RawMessage) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Set(key, value, 1)
}

// SanitizeToolSchema runs the full sanitization pipeline for one tool's
// input_schema and returns the wire-ready parameters object. Results are
// memoized by the structural hash of the input plus the target family.
func (t *Translator) SanitizeToolSchema(raw json.RawMessage, family config.Family) json.RawMessage {
	var schema map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &schema) != nil {
		schema = nil
	}

	key := schemaCacheKey(schema, family)
	if key != "" {
		if cached, ok := t.schemas.get(key); ok {
			return cached
		}
	}

	sanitized := NormalizeSchema(schema)
	sanitized = SanitizeSchema(sanitized)
	if family == config.FamilyGemini {
		sanitized = CleanSchemaForGemini(sanitized)
	}

	out, err := json.Marshal(sanitized)
	if err != nil {
		out, _ = json.Marshal(placeholderSchema())
	}
	if key != "" {
		t.schemas.put(key, out)
	}
	return out
}

// schemaCacheKey hashes the canonical serialization of a schema. Go maps
// marshal with sorted keys, so structurally equal schemas produce the same
// key regardless of the original key order.
func schemaCacheKey(schema map[string]any, family config.Family) string {
	canonical, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return string(family) + ":" + hex.EncodeToString(sum[:])
}

// SanitizeSchema reduces a JSON Schema to the allowlisted subset the
// Antigravity API accepts. "const" folds into a single-value "enum", unknown
// keywords are dropped, and prototype-pollution keys are discarded wherever
// they appear. Objects that end up without properties get the placeholder
// argument schema.
func SanitizeSchema(schema map[string]any) map[string]any {
	return sanitizeAtDepth(schema, 0)
}

var allowedSchemaFields = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"title":       true,
}

func isForbiddenKey(key string) bool {
	return key == "__proto__" || key == "constructor"
}

func sanitizeAtDepth(schema map[string]any, depth int) map[string]any {
	if len(schema) == 0 {
		return placeholderSchema()
	}
	if depth > maxSchemaDepth {
		return schemaTooDeep()
	}

	sanitized := make(map[string]any)

	for key, value := range schema {
		if isForbiddenKey(key) {
			continue
		}
		if key == "const" {
			sanitized["enum"] = []any{value}
			continue
		}
		if !allowedSchemaFields[key] {
			continue
		}

		switch key {
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				continue
			}
			newProps := make(map[string]any)
			for propKey, propValue := range props {
				if isForbiddenKey(propKey) {
					continue
				}
				if propMap, ok := propValue.(map[string]any); ok {
					newProps[propKey] = sanitizeAtDepth(propMap, depth+1)
				} else {
					newProps[propKey] = propValue
				}
			}
			sanitized["properties"] = newProps
		case "items":
			if itemsMap, ok := value.(map[string]any); ok {
				sanitized["items"] = sanitizeAtDepth(itemsMap, depth+1)
			} else if itemsArr, ok := value.([]any); ok {
				newItems := make([]any, 0, len(itemsArr))
				for _, item := range itemsArr {
					if itemMap, ok := item.(map[string]any); ok {
						newItems = append(newItems, sanitizeAtDepth(itemMap, depth+1))
					} else {
						newItems = append(newItems, item)
					}
				}
				sanitized["items"] = newItems
			} else {
				sanitized["items"] = value
			}
		default:
			sanitized[key] = value
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}

	// Object schemas without properties are rejected upstream.
	if schemaType, _ := sanitized["type"].(string); schemaType == "object" {
		props, hasProps := sanitized["properties"].(map[string]any)
		if !hasProps || len(props) == 0 {
			sanitized["properties"] = placeholderSchema()["properties"]
			sanitized["required"] = []any{"reason"}
		}
	}

	validateRequired(sanitized)
	return sanitized
}

// validateRequired drops required entries that name no defined property.
func validateRequired(schema map[string]any) {
	required, ok := schema["required"].([]any)
	if !ok {
		return
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(required))
	for _, entry := range required {
		if name, ok := entry.(string); ok {
			if _, defined := props[name]; defined {
				kept = append(kept, name)
			}
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
	} else {
		schema["required"] = kept
	}
}

// NormalizeSchema resolves structural constructs the API cannot express
// before the allowlist pass discards them: $refs become description hints,
// allOf merges into the parent, anyOf/oneOf collapse to their most
// informative variant, type arrays flatten to a single type, and dropped
// constraints are preserved as description hints.
func NormalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	result := convertRefsToHints(schema)
	result = moveConstraintsToDescription(result)
	result = mergeAllOf(result)
	result = flattenAnyOfOneOf(result)
	result = flattenTypeArrays(result, nil, "")
	return result
}

// appendDescriptionHint appends a parenthesized hint to the description.
func appendDescriptionHint(schema map[string]any, hint string) map[string]any {
	result := copySchema(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// convertRefsToHints replaces $ref nodes with an object schema whose
// description names the referenced definition.
func convertRefsToHints(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	result := copySchema(schema)

	if ref, ok := result["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := "See: " + defName
		description := hint
		if desc, ok := result["description"].(string); ok && desc != "" {
			description = fmt.Sprintf("%s (%s)", desc, hint)
		}
		return map[string]any{"type": "object", "description": description}
	}

	recurseSchema(result, convertRefsToHints)
	for _, unionKey := range []string{"anyOf", "oneOf", "allOf"} {
		if variants, ok := result[unionKey].([]any); ok {
			newVariants := make([]any, 0, len(variants))
			for _, variant := range variants {
				if variantMap, ok := variant.(map[string]any); ok {
					newVariants = append(newVariants, convertRefsToHints(variantMap))
				} else {
					newVariants = append(newVariants, variant)
				}
			}
			result[unionKey] = newVariants
		}
	}
	return result
}

// moveConstraintsToDescription folds validation keywords the API rejects
// into description hints before they are stripped.
func moveConstraintsToDescription(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	result := copySchema(schema)
	for _, constraint := range []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"} {
		if value, ok := result[constraint]; ok {
			if _, isMap := value.(map[string]any); !isMap {
				result = appendDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
			}
		}
	}
	if result["additionalProperties"] == false {
		result = appendDescriptionHint(result, "No extra properties allowed")
	}
	recurseSchema(result, moveConstraintsToDescription)
	return result
}

// mergeAllOf folds allOf variants into the parent schema. Properties merge
// with later variants overriding earlier ones, required arrays union, and
// the parent keeps precedence for everything else.
func mergeAllOf(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	result := copySchema(schema)

	if variants, ok := result["allOf"].([]any); ok && len(variants) > 0 {
		mergedProps := make(map[string]any)
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]any)

		for _, variant := range variants {
			sub, ok := variant.(map[string]any)
			if !ok {
				continue
			}
			if props, ok := sub["properties"].(map[string]any); ok {
				for key, value := range props {
					mergedProps[key] = value
				}
			}
			if required, ok := sub["required"].([]any); ok {
				for _, entry := range required {
					if name, ok := entry.(string); ok {
						mergedRequired[name] = true
					}
				}
			}
			for key, value := range sub {
				if key == "properties" || key == "required" {
					continue
				}
				if _, exists := otherFields[key]; !exists {
					otherFields[key] = value
				}
			}
		}

		delete(result, "allOf")
		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}
		if len(mergedProps) > 0 {
			existing, _ := result["properties"].(map[string]any)
			if existing == nil {
				existing = make(map[string]any)
			}
			for key, value := range mergedProps {
				if _, exists := existing[key]; !exists {
					existing[key] = value
				}
			}
			result["properties"] = existing
		}
		if len(mergedRequired) > 0 {
			if existing, ok := result["required"].([]any); ok {
				for _, entry := range existing {
					if name, ok := entry.(string); ok {
						mergedRequired[name] = true
					}
				}
			}
			required := make([]any, 0, len(mergedRequired))
			for name := range mergedRequired {
				required = append(required, name)
			}
			result["required"] = required
		}
	}

	recurseSchema(result, mergeAllOf)
	return result
}

// flattenAnyOfOneOf collapses union schemas to their most informative
// variant, recording the alternatives as a description hint.
func flattenAnyOfOneOf(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	result := copySchema(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := result[unionKey].([]any)
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var best map[string]any
		bestScore := -1
		for _, option := range options {
			optMap, ok := option.(map[string]any)
			if !ok {
				continue
			}
			typeName := ""
			if t, ok := optMap["type"].(string); ok {
				typeName = t
			} else if optMap["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}
			if score := scoreSchemaOption(optMap); score > bestScore {
				bestScore = score
				best = optMap
			}
		}

		delete(result, unionKey)
		if best == nil {
			continue
		}

		parentDescription, _ := result["description"].(string)
		flattened := flattenAnyOfOneOf(best)
		for key, value := range flattened {
			if key == "description" {
				if text, ok := value.(string); ok && text != "" && text != parentDescription {
					if parentDescription != "" {
						result["description"] = fmt.Sprintf("%s (%s)", parentDescription, text)
					} else {
						result["description"] = text
					}
				}
				continue
			}
			if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
				result[key] = value
			}
		}
		if unique := uniqueStrings(typeNames); len(unique) > 1 {
			result = appendDescriptionHint(result, "Accepts: "+strings.Join(unique, " | "))
		}
	}

	recurseSchema(result, flattenAnyOfOneOf)
	return result
}

// scoreSchemaOption ranks union variants: object schemas with properties are
// the most informative, then arrays, then any non-null scalar.
func scoreSchemaOption(schema map[string]any) int {
	if schema == nil {
		return 0
	}
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}
	return 0
}

// flattenTypeArrays reduces ["string","null"]-style type arrays to a single
// type, hints at the alternatives, and drops nullable properties from the
// parent's required list.
func flattenTypeArrays(schema map[string]any, nullableProps map[string]bool, propName string) map[string]any {
	if schema == nil {
		return nil
	}
	result := copySchema(schema)

	if typeArr, ok := result["type"].([]any); ok {
		hasNull := false
		var nonNull []string
		for _, entry := range typeArr {
			if name, ok := entry.(string); ok {
				if name == "null" {
					hasNull = true
				} else if name != "" {
					nonNull = append(nonNull, name)
				}
			}
		}
		firstType := "string"
		if len(nonNull) > 0 {
			firstType = nonNull[0]
		}
		result["type"] = firstType
		if len(nonNull) > 1 {
			result = appendDescriptionHint(result, "Accepts: "+strings.Join(nonNull, " | "))
		}
		if hasNull {
			result = appendDescriptionHint(result, "nullable")
			if nullableProps != nil && propName != "" {
				nullableProps[propName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]any); ok {
		childNullable := make(map[string]bool)
		newProps := make(map[string]any)
		for key, value := range props {
			if valueMap, ok := value.(map[string]any); ok {
				newProps[key] = flattenTypeArrays(valueMap, childNullable, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]any); ok && len(childNullable) > 0 {
			kept := make([]any, 0, len(required))
			for _, entry := range required {
				if name, ok := entry.(string); ok && !childNullable[name] {
					kept = append(kept, name)
				}
			}
			if len(kept) == 0 {
				delete(result, "required")
			} else {
				result["required"] = kept
			}
		}
	}

	if items, ok := result["items"].(map[string]any); ok {
		result["items"] = flattenTypeArrays(items, nil, "")
	} else if itemsArr, ok := result["items"].([]any); ok {
		newItems := make([]any, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]any); ok {
				newItems = append(newItems, flattenTypeArrays(itemMap, nil, ""))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

// CleanSchemaForGemini applies the Gemini-specific final pass: title is not
// accepted there, and type names use the Protobuf-style uppercase spelling.
func CleanSchemaForGemini(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	result := copySchema(schema)
	delete(result, "title")
	if schemaType, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(schemaType)
	}
	recurseSchema(result, CleanSchemaForGemini)
	return result
}

// toGoogleType converts JSON Schema type names to Google's uppercase enum
// spelling.
func toGoogleType(typeName string) string {
	switch strings.ToLower(typeName) {
	case "":
		return typeName
	case "string":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	case "null":
		return "STRING"
	default:
		return strings.ToUpper(typeName)
	}
}

// recurseSchema applies fn to every nested schema under properties and items.
func recurseSchema(schema map[string]any, fn func(map[string]any) map[string]any) {
	if props, ok := schema["properties"].(map[string]any); ok {
		newProps := make(map[string]any)
		for key, value := range props {
			if valueMap, ok := value.(map[string]any); ok {
				newProps[key] = fn(valueMap)
			} else {
				newProps[key] = value
			}
		}
		schema["properties"] = newProps
	}
	if items, ok := schema["items"].(map[string]any); ok {
		schema["items"] = fn(items)
	} else if itemsArr, ok := schema["items"].([]any); ok {
		newItems := make([]any, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]any); ok {
				newItems = append(newItems, fn(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		schema["items"] = newItems
	}
}

func copySchema(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
