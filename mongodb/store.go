package mongodb

import (
	"context"
	"fmt"

	"github.com/DEEJ4Y/crontab"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds the configuration for the MongoDB definition source.
type Config struct {
	// Collection is the MongoDB collection where definitions are stored.
	// Required.
	Collection *mongo.Collection

	// Field names for definition properties (optional, have defaults)
	NameField    string // default: "name"
	EnabledField string // default: "enabled"
	SpecField    string // default: "spec"
	ActionField  string // default: "action"
	DataField    string // default: "data"

	// Condition is an optional additional filter to apply when querying definitions.
	// This allows several schedulers to share a collection.
	// Example: bson.M{"service": "billing"} to only load billing handlers.
	Condition bson.M
}

// Source implements crontab.Source for MongoDB.
type Source struct {
	collection   *mongo.Collection
	nameField    string
	enabledField string
	specField    string
	actionField  string
	dataField    string
	condition    bson.M
}

// NewSource creates a new MongoDB definition source with the given configuration.
func NewSource(config Config) (*Source, error) {
	if config.Collection == nil {
		return nil, fmt.Errorf("collection is required")
	}

	// Set defaults
	if config.NameField == "" {
		config.NameField = "name"
	}
	if config.EnabledField == "" {
		config.EnabledField = "enabled"
	}
	if config.SpecField == "" {
		config.SpecField = "spec"
	}
	if config.ActionField == "" {
		config.ActionField = "action"
	}
	if config.DataField == "" {
		config.DataField = "data"
	}

	return &Source{
		collection:   config.Collection,
		nameField:    config.NameField,
		enabledField: config.EnabledField,
		specField:    config.SpecField,
		actionField:  config.ActionField,
		dataField:    config.DataField,
		condition:    config.Condition,
	}, nil
}

// Load returns every definition matching the configured condition, ordered by name.
func (s *Source) Load(ctx context.Context) ([]crontab.Definition, error) {
	filter := bson.M{}
	if s.condition != nil {
		filter = s.condition
	}

	opts := options.Find().SetSort(bson.D{{Key: s.nameField, Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}
	defer cursor.Close(ctx)

	var defs []crontab.Definition
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}

		def, err := s.bsonToDefinition(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert document %v: %w", doc["_id"], err)
		}
		defs = append(defs, def)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor failed: %w", err)
	}

	return defs, nil
}

// bsonToDefinition converts a BSON document to a Definition.
func (s *Source) bsonToDefinition(doc bson.M) (crontab.Definition, error) {
	var def crontab.Definition

	// Extract name
	name, ok := doc[s.nameField].(string)
	if !ok || name == "" {
		return def, fmt.Errorf("field %q must be a non-empty string", s.nameField)
	}
	def.Name = name

	// Extract spec
	spec, ok := doc[s.specField].(string)
	if !ok {
		return def, fmt.Errorf("field %q must be a string", s.specField)
	}
	def.Spec = spec

	// Extract action
	if action, ok := doc[s.actionField]; ok && action != nil {
		str, ok := action.(string)
		if !ok {
			return def, fmt.Errorf("field %q must be a string", s.actionField)
		}
		def.Action = str
	}

	// Extract enabled; missing or null means disabled
	if enabled, ok := doc[s.enabledField]; ok && enabled != nil {
		b, ok := enabled.(bool)
		if !ok {
			return def, fmt.Errorf("field %q must be a boolean", s.enabledField)
		}
		def.Enabled = b
	}

	// Extract data
	if data, ok := doc[s.dataField]; ok && data != nil {
		switch m := data.(type) {
		case bson.M:
			def.Data = make(map[string]interface{}, len(m))
			for key, value := range m {
				def.Data[key] = value
			}
		case bson.D:
			def.Data = make(map[string]interface{}, len(m))
			for _, e := range m {
				def.Data[e.Key] = e.Value
			}
		default:
			return def, fmt.Errorf("field %q must be a document", s.dataField)
		}
	}

	return def, nil
}
