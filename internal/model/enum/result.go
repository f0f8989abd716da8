package enum

// Result is the settlement state of a trade.
type Result string

const (
	ResultPending Result = "PENDING"
	ResultWin     Result = "WIN"
	ResultLose    Result = "LOSE"
	ResultTie     Result = "TIE"
)

func (r Result) IsAvailable() bool {
	switch r {
	case ResultPending, ResultWin, ResultLose, ResultTie:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the result can no longer change.
func (r Result) IsTerminal() bool {
	return r == ResultWin || r == ResultLose || r == ResultTie
}
