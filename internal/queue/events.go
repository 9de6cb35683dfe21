package queue

// Event identifies one observable scheduling action. The queue reports
// events through an Observer so accounting stays out of the hot path
// unless a consumer wants it.
type Event int

const (
	EvSubmit Event = iota
	EvBackMerge
	EvFrontMerge
	EvCoalesce
	EvSortInsert
	EvBackInsert
	EvFrontInsert
	EvRequeueInsert
	EvDispatch
	EvComplete
	EvPartial
	EvRetry
	EvKill
	EvEscalate
	EvDeferred
	EvBarrierStart
	EvBarrierDone
	EvStarved
	EvStarvedRun
	EvPolicySwitch
	EvUnplug
)

// Observer receives scheduling events. Calls are made under the queue
// lock and must not block.
type Observer interface {
	Observe(ev Event)
	ObserveInFlight(n int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) Observe(Event)       {}
func (NopObserver) ObserveInFlight(int) {}

var _ Observer = NopObserver{}
