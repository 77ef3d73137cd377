// Package inmemory implements interfaces.Mediator as an in-process message
// bus. It is the reference transport used by the end-to-end scenarios and by
// engine/store tests; it makes no claim of sender authentication or
// recipient confidentiality, both of which spec §1 delegates to whatever
// external Mediator implementation carries messages between processes.
package inmemory

import (
	"fmt"
	"sync"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

// Mediator delivers messages synchronously, in Send-call order, to every
// subscriber whose identity appears in a message's To list.
type Mediator struct {
	mu       sync.RWMutex
	handlers map[interfaces.Identity]func(interfaces.Message)
}

// New constructs an empty Mediator.
func New() *Mediator {
	return &Mediator{handlers: make(map[interfaces.Identity]func(interfaces.Message))}
}

func (m *Mediator) Subscribe(self interfaces.Identity, handler func(interfaces.Message)) error {
	if self.Empty() {
		return fmt.Errorf("inmemory: cannot subscribe with an empty identity")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[self] = handler
	return nil
}

// Send delivers msg to every recipient with a registered handler. A
// recipient with no subscriber is reported as an error but does not stop
// delivery to the remaining recipients, matching the Mediator contract's
// best-effort-per-recipient rule.
func (m *Mediator) Send(msg interfaces.Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var undelivered []interfaces.Identity
	for _, to := range msg.To {
		handler, ok := m.handlers[to]
		if !ok {
			undelivered = append(undelivered, to)
			continue
		}
		handler(msg)
	}

	if len(undelivered) > 0 {
		return fmt.Errorf("inmemory: no subscriber for %v", undelivered)
	}
	return nil
}

var _ interfaces.Mediator = (*Mediator)(nil)
