package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a nats.Subscription to the Subscription interface
// the engine's observers program against.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe detaches the subscription from the NATS server.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid reports whether events still reach this subscription.
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
