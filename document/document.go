package document

// Document is an ordered set of fields.
type Document struct {
	Fields []Field
}

// New returns a document holding fields.
func New(fields ...Field) *Document {
	return &Document{Fields: fields}
}

// Add appends a field.
func (d *Document) Add(f Field) *Document {
	d.Fields = append(d.Fields, f)
	return d
}

// Get returns the first field named name.
func (d *Document) Get(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks every field.
func (d *Document) Validate() error {
	for i := range d.Fields {
		if err := d.Fields[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApproxBytes estimates the buffered memory of the document.
func (d *Document) ApproxBytes() int {
	n := 24
	for i := range d.Fields {
		n += d.Fields[i].approxBytes()
	}
	return n
}
