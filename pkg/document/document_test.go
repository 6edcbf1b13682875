package document

import (
	"testing"
)

func TestNewDocument(t *testing.T) {
	doc := NewDocument()
	if doc == nil {
		t.Fatal("NewDocument returned nil")
	}
	if doc.Len() != 0 {
		t.Errorf("Expected empty document, got length %d", doc.Len())
	}
}

func TestDocumentSetGet(t *testing.T) {
	doc := NewDocument()

	doc.Set("name", "Alice")
	val, exists := doc.Get("name")
	if !exists {
		t.Error("Expected name field to exist")
	}
	if val.(string) != "Alice" {
		t.Errorf("Expected 'Alice', got %v", val)
	}

	doc.Set("age", int64(30))
	val, exists = doc.Get("age")
	if !exists {
		t.Error("Expected age field to exist")
	}
	if val.(int64) != 30 {
		t.Errorf("Expected 30, got %v", val)
	}

	doc.Set("active", true)
	val, exists = doc.Get("active")
	if !exists {
		t.Error("Expected active field to exist")
	}
	if val.(bool) != true {
		t.Errorf("Expected true, got %v", val)
	}
}

func TestDocumentSetOverwritePreservesOrder(t *testing.T) {
	doc := NewDocument()
	doc.Set("name", "Alice")
	doc.Set("age", int64(30))
	doc.Set("name", "Bob")

	if doc.Len() != 2 {
		t.Fatalf("expected 2 fields after overwrite, got %d", doc.Len())
	}
	keys := doc.Keys()
	if keys[0] != "name" || keys[1] != "age" {
		t.Errorf("expected order [name age], got %v", keys)
	}
	val, _ := doc.Get("name")
	if val.(string) != "Bob" {
		t.Errorf("expected overwritten value Bob, got %v", val)
	}
}

func TestDocumentGetValue(t *testing.T) {
	doc := NewDocument()
	doc.Set("age", int64(30))

	v, exists := doc.GetValue("age")
	if !exists {
		t.Fatal("expected age field to exist")
	}
	if v.Type != TypeInt64 {
		t.Errorf("expected TypeInt64, got %s", v.Type)
	}

	_, exists = doc.GetValue("missing")
	if exists {
		t.Error("expected missing field to report not found")
	}
}
