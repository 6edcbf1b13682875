package document

import (
	"testing"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		typ      Type
		expected string
	}{
		{TypeNull, "null"},
		{TypeBoolean, "boolean"},
		{TypeInt32, "int32"},
		{TypeInt64, "int64"},
		{TypeFloat64, "float64"},
		{TypeString, "string"},
		{TypeBinary, "binary"},
		{TypeObjectID, "objectid"},
		{Type(0xFF), "unknown"},
	}

	for _, tt := range tests {
		if result := tt.typ.String(); result != tt.expected {
			t.Errorf("Type(%d).String() = %s, expected %s", tt.typ, result, tt.expected)
		}
	}
}

func TestNewValue(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected Type
	}{
		{"nil", nil, TypeNull},
		{"boolean true", true, TypeBoolean},
		{"boolean false", false, TypeBoolean},
		{"int32", int32(42), TypeInt32},
		{"int64", int64(42), TypeInt64},
		{"int", int(42), TypeInt64},
		{"float64", float64(3.14), TypeFloat64},
		{"string", "hello", TypeString},
		{"binary", []byte{0x01, 0x02}, TypeBinary},
		{"objectid", NewObjectID(), TypeObjectID},
		{"unknown type", struct{}{}, TypeNull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValue(tt.input)
			if v == nil {
				t.Fatal("NewValue returned nil")
			}
			if v.Type != tt.expected {
				t.Errorf("NewValue(%v) Type = %s, expected %s", tt.input, v.Type, tt.expected)
			}
		})
	}
}

func TestNewValueIntConversion(t *testing.T) {
	v := NewValue(int(42))
	if v.Type != TypeInt64 {
		t.Errorf("Expected TypeInt64, got %s", v.Type)
	}
	if data, ok := v.Data.(int64); !ok {
		t.Error("Expected data to be int64")
	} else if data != 42 {
		t.Errorf("Expected data to be 42, got %d", data)
	}
}

func TestNewValueNull(t *testing.T) {
	v := NewValue(nil)
	if v.Type != TypeNull {
		t.Errorf("Expected TypeNull for nil, got %s", v.Type)
	}

	v = NewValue(struct{ unexported int }{42})
	if v.Type != TypeNull {
		t.Errorf("Expected TypeNull for unknown type, got %s", v.Type)
	}
	if v.Data != nil {
		t.Error("Expected Data to be nil for unknown type")
	}
}

func TestNewValueDataPreservation(t *testing.T) {
	v := NewValue("test string")
	if v.Data.(string) != "test string" {
		t.Error("String data not preserved")
	}

	v = NewValue(int64(12345))
	if v.Data.(int64) != 12345 {
		t.Error("Int64 data not preserved")
	}

	v = NewValue(float64(3.14159))
	if v.Data.(float64) != 3.14159 {
		t.Error("Float64 data not preserved")
	}

	v = NewValue(true)
	if v.Data.(bool) != true {
		t.Error("Boolean data not preserved")
	}

	binary := []byte{0x01, 0x02, 0x03}
	v = NewValue(binary)
	if data, ok := v.Data.([]byte); !ok {
		t.Error("Binary data not preserved")
	} else if len(data) != 3 {
		t.Error("Binary data length mismatch")
	}
}
