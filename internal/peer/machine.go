package peer

import "github.com/pion/webrtc/v4"

type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// OfferDecision is the outcome of an inbound offer.
type OfferDecision struct {
	Accept  bool
	Glare   bool
	Attempt uint64
}

// Machine is the negotiation state machine of one peer pair. It performs no I/O: the
// session asks it what to do, runs the native step, and reports back with the attempt
// number it was given. A report carrying a stale attempt is discarded, which is how a
// continuation notices the state moved on while it was suspended.
type Machine struct {
	role        Role
	state       State
	makingOffer bool
	remoteSet   bool
	established bool
	attempt     uint64
	pending     []webrtc.ICECandidateInit
}

func NewMachine(role Role) *Machine {
	return &Machine{role: role}
}

func (m *Machine) Role() Role   { return m.role }
func (m *Machine) State() State { return m.state }

// Pending returns how many candidates wait for a remote description.
func (m *Machine) Pending() int { return len(m.pending) }

func (m *Machine) current(attempt uint64) bool {
	return m.state != StateClosed && attempt == m.attempt
}

// settled is where an aborted attempt falls back to.
func (m *Machine) settled() State {
	if m.established {
		return StateStable
	}
	return StateIdle
}

// BeginOffer starts a local offer when nothing else is in flight.
func (m *Machine) BeginOffer() (uint64, bool) {
	if m.makingOffer || (m.state != StateIdle && m.state != StateStable) {
		return 0, false
	}
	m.attempt++
	m.makingOffer = true
	return m.attempt, true
}

// OfferCreated records that the local offer is set. False means the offer is stale and
// must not be sent.
func (m *Machine) OfferCreated(attempt uint64) bool {
	if !m.current(attempt) || !m.makingOffer {
		return false
	}
	m.makingOffer = false
	m.state = StateHaveLocalOffer
	return true
}

// ReceiveOffer resolves glare by role: the impolite side keeps its own offer, the polite
// side drops it and takes the remote one.
func (m *Machine) ReceiveOffer() OfferDecision {
	if m.state == StateClosed {
		return OfferDecision{}
	}
	glare := m.makingOffer || m.state == StateHaveLocalOffer
	if glare && m.role == Impolite {
		return OfferDecision{Glare: true}
	}
	m.attempt++
	m.makingOffer = false
	m.state = StateHaveRemoteOffer
	return OfferDecision{Accept: true, Glare: glare, Attempt: m.attempt}
}

// RemoteOfferApplied releases the queued candidates, in arrival order.
func (m *Machine) RemoteOfferApplied(attempt uint64) ([]webrtc.ICECandidateInit, bool) {
	if !m.current(attempt) || m.state != StateHaveRemoteOffer {
		return nil, false
	}
	m.remoteSet = true
	return m.drain(), true
}

// AnswerCreated completes an inbound negotiation.
func (m *Machine) AnswerCreated(attempt uint64) bool {
	if !m.current(attempt) || m.state != StateHaveRemoteOffer {
		return false
	}
	m.state = StateStable
	m.established = true
	return true
}

// ReceiveAnswer accepts an answer only while our offer is outstanding. Late and duplicate
// answers are ignored.
func (m *Machine) ReceiveAnswer() (uint64, bool) {
	if m.state != StateHaveLocalOffer {
		return 0, false
	}
	return m.attempt, true
}

// AnswerApplied completes an outbound negotiation and releases queued candidates.
func (m *Machine) AnswerApplied(attempt uint64) ([]webrtc.ICECandidateInit, bool) {
	if !m.current(attempt) || m.state != StateHaveLocalOffer {
		return nil, false
	}
	m.state = StateStable
	m.established = true
	m.remoteSet = true
	return m.drain(), true
}

// Abort gives up on one attempt after a rejected description. The session stays usable.
// Candidates queued for a remote offer that never applied belong to it and are dropped.
func (m *Machine) Abort(attempt uint64) bool {
	if !m.current(attempt) {
		return false
	}
	if m.state == StateHaveRemoteOffer && !m.remoteSet {
		m.pending = nil
	}
	m.makingOffer = false
	m.state = m.settled()
	return true
}

// AddCandidate reports whether c can be applied right away; otherwise it is queued.
func (m *Machine) AddCandidate(c webrtc.ICECandidateInit) bool {
	if m.state == StateClosed {
		return false
	}
	if m.remoteSet {
		return true
	}
	m.pending = append(m.pending, c)
	return false
}

// Close is terminal. It returns false if the machine was already closed.
func (m *Machine) Close() bool {
	if m.state == StateClosed {
		return false
	}
	m.state = StateClosed
	m.makingOffer = false
	m.pending = nil
	m.attempt++
	return true
}

func (m *Machine) drain() []webrtc.ICECandidateInit {
	out := m.pending
	m.pending = nil
	return out
}
