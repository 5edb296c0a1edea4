package transaction

// State is the RFC 3261 §17 transaction state, plus the RFC 6026
// "Accepted" extension for the INVITE transactions (a 2xx may still be
// retransmitted by the TU after the transaction itself has nothing left
// to retransmit on its own, and the client tx must keep absorbing
// duplicate 2xx's during that window instead of passing them to a dead
// transaction).
type State int

const (
	Calling State = iota
	Trying
	Proceeding
	Completed
	Confirmed
	Accepted
	Terminated
)

func (s State) String() string {
	switch s {
	case Calling:
		return "Calling"
	case Trying:
		return "Trying"
	case Proceeding:
		return "Proceeding"
	case Completed:
		return "Completed"
	case Confirmed:
		return "Confirmed"
	case Accepted:
		return "Accepted"
	case Terminated:
		return "Terminated"
	}
	return "Unknown"
}

// Role identifies which of the four RFC 3261 §17 FSMs a transaction runs.
type Role int

const (
	RoleInviteClient Role = iota
	RoleNonInviteClient
	RoleInviteServer
	RoleNonInviteServer
)

// Input is an FSM input event. Unexported input constants live beside
// each FSM (client_input_*, server_input_*); Input is the shared type.
type Input int

const InputNone Input = 0
