package routing

import "sync"

// Binding links a queue to an exchange through a routing-key pattern
type Binding struct {
	Exchange string
	Queue    string
	Pattern  string
}

// BindingTable keeps the ordered bindings of every exchange
type BindingTable struct {
	mu       sync.RWMutex
	bindings map[string][]Binding
}

// NewBindingTable creates an empty binding table
func NewBindingTable() *BindingTable {
	return &BindingTable{
		bindings: make(map[string][]Binding),
	}
}

// Bind adds a binding. Binding the same triple twice is a no-op; the
// return value reports whether the table changed.
func (t *BindingTable) Bind(exchange, queue, pattern string) bool {
	b := Binding{Exchange: exchange, Queue: queue, Pattern: pattern}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.bindings[exchange] {
		if existing == b {
			return false
		}
	}
	t.bindings[exchange] = append(t.bindings[exchange], b)
	return true
}

// Unbind removes a binding and reports whether it existed
func (t *BindingTable) Unbind(exchange, queue, pattern string) bool {
	b := Binding{Exchange: exchange, Queue: queue, Pattern: pattern}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.bindings[exchange]
	for i, existing := range list {
		if existing != b {
			continue
		}
		updated := make([]Binding, 0, len(list)-1)
		updated = append(updated, list[:i]...)
		updated = append(updated, list[i+1:]...)
		if len(updated) == 0 {
			delete(t.bindings, exchange)
		} else {
			t.bindings[exchange] = updated
		}
		return true
	}
	return false
}

// Lookup returns the queues that should receive a message published to ex
// with routingKey. Each queue appears once, in the order it was first bound.
func (t *BindingTable) Lookup(ex Exchange, routingKey string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var queues []string
	seen := make(map[string]struct{})
	for _, b := range t.bindings[ex.Name] {
		if _, dup := seen[b.Queue]; dup {
			continue
		}
		if !bindingMatches(ex.Kind, b.Pattern, routingKey) {
			continue
		}
		seen[b.Queue] = struct{}{}
		queues = append(queues, b.Queue)
	}
	return queues
}

// Bindings returns a copy of the bindings of an exchange
func (t *BindingTable) Bindings(exchange string) []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Binding, len(t.bindings[exchange]))
	copy(out, t.bindings[exchange])
	return out
}

func bindingMatches(kind Kind, pattern, routingKey string) bool {
	switch kind {
	case KindFanout:
		return true
	case KindDirect:
		return pattern == routingKey
	case KindTopic:
		return Matches(pattern, routingKey)
	default:
		return false
	}
}
