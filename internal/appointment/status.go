package appointment

import "slices"

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// transitions is the complete state machine. The status catalog held by the
// data store can only narrow it.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

var initialStatuses = []Status{StatusScheduled, StatusConfirmed}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s Status) Initial() bool {
	return slices.Contains(initialStatuses, s)
}

func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// StatusInfo is one row of the status catalog.
type StatusInfo struct {
	Code    Status `json:"code"`
	Label   string `json:"label"`
	Initial bool   `json:"initial"`
}

// Permitted filters a catalog response against the state machine. With a
// nil current status only initial states survive; otherwise only legal
// successors of current do. Codes the state machine does not know are
// dropped.
func Permitted(current *Status, catalog []StatusInfo) []StatusInfo {
	out := make([]StatusInfo, 0, len(catalog))
	for _, info := range catalog {
		if !info.Code.Valid() {
			continue
		}
		if current == nil {
			if info.Code.Initial() {
				out = append(out, info)
			}
			continue
		}
		if CanTransition(*current, info.Code) {
			out = append(out, info)
		}
	}
	return out
}

func containsStatus(list []StatusInfo, s Status) bool {
	return slices.ContainsFunc(list, func(info StatusInfo) bool { return info.Code == s })
}
