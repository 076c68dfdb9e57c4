package session

import "errors"

var (
	NoPendingChallengeErr = errors.New("no pending two-factor challenge")
	NotAuthenticatedErr   = errors.New("not authenticated")
	EmptyLoginResultErr   = errors.New("login result carried neither a session nor a challenge")
)
