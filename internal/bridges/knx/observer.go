package knx

// Drop reasons reported to Observer.FrameDropped.
const (
	DropTruncated     = "truncated"
	DropDecode        = "decode"
	DropRead          = "read"
	DropUnknownDevice = "unknown_device"
	DropPayload       = "payload"
)

// Command results reported to Observer.CommandHandled.
const (
	CommandOK            = "ok"
	CommandMalformed     = "malformed"
	CommandUnknownDevice = "unknown_device"
	CommandUnknownAction = "unknown_action"
	CommandEncodeFailed  = "encode_failed"
	CommandBadAddress    = "bad_address"
	CommandWriteFailed   = "write_failed"
)

// Observer receives bridge counters. It is satisfied by the Prometheus
// metrics of the process; nil means no instrumentation.
type Observer interface {
	FrameReceived(code string)
	FrameDropped(reason string)
	Published()
	PublishRetried()
	DeliveryFailed()
	CommandHandled(result string)
}

type noopObserver struct{}

func (noopObserver) FrameReceived(string)  {}
func (noopObserver) FrameDropped(string)   {}
func (noopObserver) Published()            {}
func (noopObserver) PublishRetried()       {}
func (noopObserver) DeliveryFailed()       {}
func (noopObserver) CommandHandled(string) {}
