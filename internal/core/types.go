package core

// AcquireCommand requests an exclusive edit lease on a dataset.
type AcquireCommand struct {
	DatasetID string
	Owner     string
	// TimeoutMinutes is the requested lease duration; zero selects the
	// configured default.
	TimeoutMinutes int64
}

// RenewCommand extends a live lease.
type RenewCommand struct {
	DatasetID      string
	SessionID      string
	TimeoutMinutes int64
}

// SessionCommand addresses an existing session for release, commit, or discard.
type SessionCommand struct {
	DatasetID string
	SessionID string
}

// MutateCommand stages one or more mutations under a session. Mutations are
// applied in order and the command fails fast on the first invalid one;
// mutations staged before the failure remain journaled.
type MutateCommand struct {
	DatasetID string
	SessionID string
	Mutations []Mutation
}
