package domain

type AccountInfo struct {
	ID         string
	Email      string
	IsLoggedIn bool
	Counter    int
	IsBusy     bool
	IsDisabled bool
	Level      int
	Err        string
}

// Load weighs busy accounts twice so idle ones win ties on raw counters.
func (a AccountInfo) Load() int {
	if a.IsBusy {
		return a.Counter * 2
	}
	return a.Counter
}

type Reply struct {
	ConversationID string
	MessageID      string
	Content        string
	Complete       bool
}
