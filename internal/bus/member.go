package bus

import (
	"time"

	"github.com/dkeye/meshroom/internal/domain"
)

// Conn abstracts a member's outbound transport. It is owned by the adapter, which must
// Close it; the hub only closes it to evict a slow member.
type Conn interface {
	TrySend([]byte) error
	Close()
}

// Member binds a participant identity to its transport endpoint.
type Member struct {
	ID       domain.ParticipantID
	Token    string
	Conn     Conn
	JoinedAt time.Time
}

func NewMember(id domain.ParticipantID, token string, conn Conn) *Member {
	return &Member{ID: id, Token: token, Conn: conn, JoinedAt: time.Now()}
}
