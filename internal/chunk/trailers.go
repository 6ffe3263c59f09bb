package chunk

import "strings"

// Trailers holds header-like fields sent after a chunked body. Names are
// matched case-insensitively; each name keeps its values in arrival order and
// names keep the order in which they were first seen.
type Trailers struct {
	names  []string
	values map[string][]string
}

// NewTrailers returns an empty set.
func NewTrailers() *Trailers {
	return &Trailers{values: make(map[string][]string)}
}

func trailerKey(name string) string { return strings.ToLower(name) }

// Add appends value to name.
func (t *Trailers) Add(name, value string) {
	if t.values == nil {
		t.values = make(map[string][]string)
	}
	k := trailerKey(name)
	if _, ok := t.values[k]; !ok {
		t.names = append(t.names, name)
	}
	t.values[k] = append(t.values[k], value)
}

// Set replaces all values of name.
func (t *Trailers) Set(name, value string) {
	t.Del(name)
	t.Add(name, value)
}

// Del removes name.
func (t *Trailers) Del(name string) {
	k := trailerKey(name)
	if _, ok := t.values[k]; !ok {
		return
	}
	delete(t.values, k)
	for i, n := range t.names {
		if trailerKey(n) == k {
			t.names = append(t.names[:i], t.names[i+1:]...)
			break
		}
	}
}

// Get returns the first value of name, or "".
func (t *Trailers) Get(name string) string {
	if t == nil {
		return ""
	}
	if v := t.values[trailerKey(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value of name.
func (t *Trailers) Values(name string) []string {
	if t == nil {
		return nil
	}
	return t.values[trailerKey(name)]
}

// Len returns the number of distinct names.
func (t *Trailers) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// Each calls fn for every name in first-seen order.
func (t *Trailers) Each(fn func(name string, values []string)) {
	if t == nil {
		return
	}
	for _, n := range t.names {
		fn(n, t.values[trailerKey(n)])
	}
}

// AppendWire appends "name: value\r\n" for every value.
func (t *Trailers) AppendWire(b []byte) []byte {
	t.Each(func(name string, values []string) {
		for _, v := range values {
			b = append(b, name...)
			b = append(b, ':', ' ')
			b = append(b, v...)
			b = append(b, '\r', '\n')
		}
	})
	return b
}
