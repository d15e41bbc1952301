package bus

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop_frame"
	case KickMember:
		return "kick_member"
	}
	return "none"
}

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(room *Room, member *Member) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Room, *Member) BackpressureAction {
	return KickMember
}

// PolicyByName resolves a configured policy; unknown names fall back to SimplePolicy.
func PolicyByName(name string) Policy {
	switch name {
	case "drop":
		return dropPolicy{}
	}
	return SimplePolicy{}
}

type dropPolicy struct{}

func (dropPolicy) OnBackPressure(*Room, *Member) BackpressureAction { return DropFrame }
