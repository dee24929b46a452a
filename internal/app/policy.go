package app

type BackpressureAction int

const (
	// DropMessage skips the message for that subscriber only.
	DropMessage BackpressureAction = iota
	KickSubscriber
)

// Policy decides what happens to an insert subscriber whose buffer is full.
type Policy interface {
	OnBackPressure(topic string, subscriber string) BackpressureAction
}

// SimplePolicy kicks slow subscribers. A kicked subscriber sees its Inserts
// channel closed and must resubscribe.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(string, string) BackpressureAction {
	return KickSubscriber
}
