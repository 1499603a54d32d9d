package model

// ActiveSessionInfo records the last session start for operator visibility.
type ActiveSessionInfo struct {
	Handler      string `json:"handler"`
	StartedAtISO string `json:"started_at"`
	Targetings   int    `json:"targetings"`
	Dispatched   int    `json:"dispatched"`
	Failed       int    `json:"failed"`
}
