package document

// Document is an ordered set of named fields, the in-memory form that
// Encoder/Decoder round-trip to and from a record Payload. Field order is
// tracked separately from the map so Encode is deterministic.
type Document struct {
	fields map[string]*Value
	order  []string
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		fields: make(map[string]*Value),
	}
}

// Set stores value under key, inferring its Type via NewValue. Setting an
// existing key overwrites the value in place without disturbing field order.
func (d *Document) Set(key string, value interface{}) {
	if _, exists := d.fields[key]; !exists {
		d.order = append(d.order, key)
	}
	d.fields[key] = NewValue(value)
}

// Get returns key's underlying Go value.
func (d *Document) Get(key string) (interface{}, bool) {
	v, exists := d.fields[key]
	if !exists {
		return nil, false
	}
	return v.Data, true
}

// GetValue returns key's typed Value, as Encoder needs the Type tag
// alongside the data.
func (d *Document) GetValue(key string) (*Value, bool) {
	v, exists := d.fields[key]
	return v, exists
}

// Keys returns field names in insertion order, the order Encoder writes
// elements in.
func (d *Document) Keys() []string {
	return d.order
}

// Len reports the number of fields.
func (d *Document) Len() int {
	return len(d.order)
}
