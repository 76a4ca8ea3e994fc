// Package status defines the delivery-status lattice for messages.
// Incoming messages move received → delivered → read; outgoing messages
// move sent → delivered → read. A status never moves backwards: the stored
// status is always the maximum-rank status seen, regardless of the order
// provider notifications arrive in.
package status

// Status is a delivery state of a single message.
type Status string

const (
	Received  Status = "received"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
)

// ranks orders the lattice. Received and Sent share the bottom rank: they
// are the two valid initial states of the incoming and outgoing chains.
var ranks = map[Status]int{
	Received:  1,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Rank returns the lattice rank of s, or 0 for an unknown status.
func Rank(s Status) int {
	return ranks[s]
}

// Valid reports whether s is a known lattice member.
func Valid(s Status) bool {
	return ranks[s] != 0
}

// Initial reports whether s is a valid initial state for a new message.
func Initial(s Status) bool {
	return s == Received || s == Sent
}

// Next merges an incoming status notification into the current status.
// The result is the higher-ranked of the two; a regression or an unknown
// incoming status leaves current unchanged. Pure, no I/O.
func Next(current, incoming Status) Status {
	if Rank(incoming) > Rank(current) {
		return incoming
	}
	return current
}
