package document

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encoder writes a Document in a BSON-derived wire format:
// [4-byte size][elements...][0x00 terminator], each element being
// [1-byte type][cstring key][value].
type Encoder struct {
	buf *bytes.Buffer
}

// NewEncoder returns an Encoder with a fresh buffer.
func NewEncoder() *Encoder {
	return &Encoder{
		buf: new(bytes.Buffer),
	}
}

// Encode serializes doc's fields in Keys() order.
func (e *Encoder) Encode(doc *Document) ([]byte, error) {
	e.buf.Reset()

	sizePos := e.buf.Len()
	binary.Write(e.buf, binary.LittleEndian, int32(0))

	for _, key := range doc.Keys() {
		value, _ := doc.GetValue(key)
		if err := e.encodeElement(key, value); err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", key, err)
		}
	}

	e.buf.WriteByte(0x00)

	data := e.buf.Bytes()
	binary.LittleEndian.PutUint32(data[sizePos:], uint32(len(data)))

	return data, nil
}

func (e *Encoder) encodeElement(key string, value *Value) error {
	e.buf.WriteByte(byte(value.Type))
	e.buf.WriteString(key)
	e.buf.WriteByte(0x00)

	switch value.Type {
	case TypeNull:
	case TypeBoolean:
		if value.Data.(bool) {
			e.buf.WriteByte(0x01)
		} else {
			e.buf.WriteByte(0x00)
		}
	case TypeInt32:
		binary.Write(e.buf, binary.LittleEndian, value.Data.(int32))
	case TypeInt64:
		binary.Write(e.buf, binary.LittleEndian, value.Data.(int64))
	case TypeFloat64:
		binary.Write(e.buf, binary.LittleEndian, value.Data.(float64))
	case TypeString:
		str := value.Data.(string)
		// String: [4-byte length including null][string bytes][0x00]
		binary.Write(e.buf, binary.LittleEndian, int32(len(str)+1))
		e.buf.WriteString(str)
		e.buf.WriteByte(0x00)
	case TypeBinary:
		data := value.Data.([]byte)
		binary.Write(e.buf, binary.LittleEndian, int32(len(data)))
		e.buf.WriteByte(0x00) // subtype, generic binary only
		e.buf.Write(data)
	case TypeObjectID:
		id := value.Data.(ObjectID)
		e.buf.Write(id[:])
	default:
		return fmt.Errorf("unsupported type: %v", value.Type)
	}

	return nil
}

// Decoder reads a Document back out of Encoder's wire format.
type Decoder struct {
	reader *bytes.Reader
}

// NewDecoder wraps data for decoding.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		reader: bytes.NewReader(data),
	}
}

// Decode reads one document off the front of the wrapped byte slice.
func (d *Decoder) Decode() (*Document, error) {
	doc := NewDocument()

	var size int32
	if err := binary.Read(d.reader, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read document size: %w", err)
	}

	for {
		typeByte, err := d.reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read element type: %w", err)
		}
		if typeByte == 0x00 {
			break
		}
		elemType := Type(typeByte)

		key, err := d.readCString()
		if err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}

		value, err := d.decodeValue(elemType)
		if err != nil {
			return nil, fmt.Errorf("failed to decode value for key %s: %w", key, err)
		}

		doc.Set(key, value)
	}

	return doc, nil
}

func (d *Decoder) readCString() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := d.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0x00 {
			break
		}
		buf.WriteByte(b)
	}
	return buf.String(), nil
}

func (d *Decoder) decodeValue(t Type) (interface{}, error) {
	switch t {
	case TypeNull:
		return nil, nil
	case TypeBoolean:
		b, err := d.reader.ReadByte()
		return b != 0x00, err
	case TypeInt32:
		var v int32
		err := binary.Read(d.reader, binary.LittleEndian, &v)
		return v, err
	case TypeInt64:
		var v int64
		err := binary.Read(d.reader, binary.LittleEndian, &v)
		return v, err
	case TypeFloat64:
		var v float64
		err := binary.Read(d.reader, binary.LittleEndian, &v)
		return v, err
	case TypeString:
		var length int32
		if err := binary.Read(d.reader, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		strBytes := make([]byte, length-1) // -1 for null terminator
		if _, err := io.ReadFull(d.reader, strBytes); err != nil {
			return nil, err
		}
		d.reader.ReadByte()
		return string(strBytes), nil
	case TypeBinary:
		var length int32
		if err := binary.Read(d.reader, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		d.reader.ReadByte() // subtype
		data := make([]byte, length)
		if _, err := io.ReadFull(d.reader, data); err != nil {
			return nil, err
		}
		return data, nil
	case TypeObjectID:
		var id ObjectID
		if _, err := io.ReadFull(d.reader, id[:]); err != nil {
			return nil, err
		}
		return id, nil
	default:
		return nil, fmt.Errorf("unsupported type: %v", t)
	}
}
