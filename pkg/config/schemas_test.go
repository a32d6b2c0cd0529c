package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != SchemaConfig || names[1] != SchemaResource {
		t.Fatalf("Expected [config resource], got %v", names)
	}
	for _, name := range names {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Fatalf("Built-in schema %s not found", name)
		}
		if schema.Err() != nil {
			t.Errorf("Built-in schema %s has errors: %v", name, schema.Err())
		}
	}
}

func TestSchemaRegistry_RegisterCustom(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	custom := `
#Quota: {
	cpu:    string
	gpus:   *0 | int & >=0 & <=8
}
`
	if err := sr.RegisterSchema("quota", custom); err != nil {
		t.Fatalf("Failed to register schema: %v", err)
	}

	if err := sr.ValidateAgainstSchema(ctx, "quota", map[string]interface{}{"cpu": "2"}); err != nil {
		t.Errorf("Expected valid quota, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "quota", map[string]interface{}{"cpu": "2", "gpus": 9}); err == nil {
		t.Error("Expected error for gpus above the limit")
	}
	if err := sr.ValidateAgainstSchema(ctx, "quota", map[string]interface{}{"cpu": "2", "memory": "1Gi"}); err == nil {
		t.Error("Expected error for unknown field")
	}
	if err := sr.ValidateAgainstSchema(ctx, "missing", map[string]interface{}{}); err == nil {
		t.Error("Expected error for unknown schema")
	}
}

func TestSchemaRegistry_RegisterInvalid(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#Broken: {"); err == nil {
		t.Error("Expected compile error")
	}
	if err := sr.RegisterSchema("named", "#Other: {a: int}"); err == nil {
		t.Error("Expected error when the named definition is missing")
	}
	if err := sr.RegisterSchema("", "#X: {}"); err == nil {
		t.Error("Expected error for empty name")
	}
}
