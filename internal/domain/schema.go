package domain

type Column struct {
	Name string     `json:"name"`
	Type SignalType `json:"type"`
}

type MessageSchema struct {
	Name    string   `json:"name"`
	ID      uint32   `json:"id"`
	Columns []Column `json:"columns"`
}

// Schema is the message name -> ordered column registry derived once at
// startup. It is read-only after construction.
type Schema struct {
	Messages []MessageSchema `json:"messages"`

	byName map[string]int
	fields map[string]struct{}
}

func NewSchema(messages []MessageSchema) *Schema {
	s := &Schema{
		Messages: messages,
		byName:   make(map[string]int, len(messages)),
		fields:   make(map[string]struct{}),
	}
	for i, m := range messages {
		s.byName[m.Name] = i
		for _, c := range m.Columns {
			s.fields[c.Name] = struct{}{}
		}
	}
	return s
}

func (s *Schema) Message(name string) (MessageSchema, bool) {
	i, ok := s.byName[name]
	if !ok {
		return MessageSchema{}, false
	}
	return s.Messages[i], true
}

func (s *Schema) HasSignal(table, column string) bool {
	m, ok := s.Message(table)
	if !ok {
		return false
	}
	for _, c := range m.Columns {
		if c.Name == column {
			return true
		}
	}
	return false
}

// HasField reports whether any message carries a signal with this name.
func (s *Schema) HasField(signal string) bool {
	_, ok := s.fields[signal]
	return ok
}
