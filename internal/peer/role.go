package peer

import "github.com/dkeye/meshroom/internal/domain"

// Role decides who yields when both sides offer at once.
type Role int

const (
	Impolite Role = iota
	Polite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// RoleFor is a pure function of the two identities: the lexically greater identity is
// polite. Both sides compute complementary roles without talking to each other.
func RoleFor(local, remote domain.ParticipantID) Role {
	if local > remote {
		return Polite
	}
	return Impolite
}
