package failure

// Kind is the structured classification of a failed attempt.
type Kind string

const (
	AgeRestricted  Kind = "AgeRestricted"
	AuthExpired    Kind = "AuthExpired"
	NetworkTimeout Kind = "NetworkTimeout"
	RateLimited    Kind = "RateLimited"
	NotFound       Kind = "NotFound"
	Unknown        Kind = "Unknown"

	// Orchestration level kinds, never produced by Classify.
	PoolExhausted Kind = "PoolExhausted"
	Cancelled     Kind = "Cancelled"
)

func (k Kind) String() string {
	return string(k)
}

// IsTerminal reports whether a failure of this kind ends the acquisition
// without retrying or escalating.
func (k Kind) IsTerminal() bool {
	return k == NotFound || k == Cancelled
}

// IsTransient reports whether retrying the same strategy after a delay may help.
func (k Kind) IsTransient() bool {
	return k == NetworkTimeout || k == RateLimited
}

// IsIdentityRelated reports whether the failure is attributable to the
// authentication identity used for the attempt.
func (k Kind) IsIdentityRelated() bool {
	return k == AgeRestricted || k == AuthExpired
}
