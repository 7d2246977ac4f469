package supervise

// Phase is the supervisor's lifecycle state. Phases only move forward:
// Starting -> Ready -> Draining -> Stopped, or Starting -> Failed.
type Phase int32

const (
	Starting Phase = iota
	Ready
	Draining
	Stopped
	Failed
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
