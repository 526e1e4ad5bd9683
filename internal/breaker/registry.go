package breaker

import "sort"

// Operation classes. Each gets its own independent breaker so a failing
// dependency in one class does not starve the others.
const (
	OpCardPayment        = "card_payment"
	OpOxxoPayment        = "oxxo_payment"
	OpCustomerOperations = "customer_operations"
	OpWebhookProcessing  = "webhook_processing"
	OpRecovery           = "recovery"
)

// Registry owns one breaker per operation class.
type Registry struct {
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, names ...string) *Registry {
	if len(names) == 0 {
		names = []string{OpCardPayment, OpOxxoPayment, OpCustomerOperations, OpWebhookProcessing, OpRecovery}
	}
	r := &Registry{breakers: make(map[string]*Breaker, len(names))}
	for _, n := range names {
		r.breakers[n] = New(n, cfg)
	}
	return r
}

// Get returns the breaker for the given operation class, creating one with
// defaults if the class was not registered up front.
func (r *Registry) Get(name string) *Breaker {
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, DefaultConfig())
	r.breakers[name] = b
	return b
}

func (r *Registry) Snapshot() []Stats {
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
