package queue

type Action string

const (
	ActionCallNext Action = "call_next"
	ActionCheckIn  Action = "check_in"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionNoShow   Action = "no_show"
)

var transitionMap = map[Action][]Status{
	ActionCallNext: {StatusWaiting},
	ActionCheckIn:  {StatusCalled},
	ActionComplete: {StatusCheckedIn},
	ActionCancel:   {StatusWaiting},
	ActionNoShow:   {StatusCalled},
}

var targetStatus = map[Action]Status{
	ActionCallNext: StatusCalled,
	ActionCheckIn:  StatusCheckedIn,
	ActionComplete: StatusCompleted,
	ActionCancel:   StatusCancelled,
	ActionNoShow:   StatusNoShow,
}

func ValidTransition(action Action, from Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
