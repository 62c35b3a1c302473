package app

import "github.com/kinetra/telemotion/internal/domain"

// transitions is the legal edge set of the session lifecycle. Ended is
// terminal; Created→Ended covers sessions abandoned before negotiation.
var transitions = map[domain.SessionState][]domain.SessionState{
	domain.StateCreated:      {domain.StateOffering, domain.StateEnded},
	domain.StateOffering:     {domain.StateAnswering, domain.StateEnded},
	domain.StateAnswering:    {domain.StateConnected, domain.StateEnded},
	domain.StateConnected:    {domain.StateReconnecting, domain.StateEnded},
	domain.StateReconnecting: {domain.StateConnected, domain.StateEnded},
	domain.StateEnded:        nil,
}

func canTransition(from, to domain.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
