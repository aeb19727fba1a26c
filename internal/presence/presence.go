package presence

import (
	"slices"

	"chatroom/internal/models"

	"github.com/c-pro/geche"
)

type membership struct {
	room        string
	participant models.Participant
}

// Tracker keeps the room -> connected sessions registry.
//
// A session is in at most one room. A room entry exists only while it has members.
// Mutations take the sessions lock first and the rooms lock second, so
// join, leave and empty-room cleanup are atomic.
type Tracker struct {
	sessions *geche.Locker[string, membership]
	rooms    *geche.Locker[string, []models.Participant]
}

func New() *Tracker {
	return &Tracker{
		sessions: geche.NewLocker[string, membership](geche.NewMapCache[string, membership]()),
		rooms:    geche.NewLocker[string, []models.Participant](geche.NewMapCache[string, []models.Participant]()),
	}
}

// Join puts the session into room and returns the updated roster.
// A session that was in another room leaves it first; that room is returned as previous.
// Joining the same room again only refreshes the display name.
func (t *Tracker) Join(room string, p models.Participant) (roster []models.Participant, previous string) {
	stx := t.sessions.Lock()
	defer stx.Unlock()
	rtx := t.rooms.Lock()
	defer rtx.Unlock()

	if m, err := stx.Get(p.SessionID); err == nil {
		if m.room == room {
			members, _ := rtx.Get(room)
			members = slices.Clone(members)
			for i := range members {
				if members[i].SessionID == p.SessionID {
					members[i].DisplayName = p.DisplayName
				}
			}
			rtx.Set(room, members)
			stx.Set(p.SessionID, membership{room: room, participant: p})
			return slices.Clone(members), ""
		}
		removeMember(rtx, m.room, p.SessionID)
		previous = m.room
	}

	members, _ := rtx.Get(room)
	members = append(slices.Clone(members), p)
	rtx.Set(room, members)
	stx.Set(p.SessionID, membership{room: room, participant: p})

	return slices.Clone(members), previous
}

// Leave removes the session from its room. ok is false if the session was not in any room.
func (t *Tracker) Leave(sessionID string) (room string, p models.Participant, ok bool) {
	stx := t.sessions.Lock()
	defer stx.Unlock()

	m, err := stx.Get(sessionID)
	if err != nil {
		return "", models.Participant{}, false
	}
	_ = stx.Del(sessionID)

	rtx := t.rooms.Lock()
	defer rtx.Unlock()
	removeMember(rtx, m.room, sessionID)

	return m.room, m.participant, true
}

type roomsTx interface {
	Get(room string) ([]models.Participant, error)
	Set(room string, members []models.Participant)
	Del(room string) error
}

// removeMember drops the session from room and deletes the room once empty.
func removeMember(rtx roomsTx, room, sessionID string) {
	members, err := rtx.Get(room)
	if err != nil {
		return
	}
	members = slices.DeleteFunc(slices.Clone(members), func(p models.Participant) bool {
		return p.SessionID == sessionID
	})
	if len(members) == 0 {
		_ = rtx.Del(room)
		return
	}
	rtx.Set(room, members)
}

// RosterOf returns the room members in join order.
func (t *Tracker) RosterOf(room string) []models.Participant {
	rtx := t.rooms.Lock()
	defer rtx.Unlock()

	members, err := rtx.Get(room)
	if err != nil {
		return []models.Participant{}
	}
	return slices.Clone(members)
}

// OnlineOthers returns the room members except the given session.
func (t *Tracker) OnlineOthers(room, excludingSessionID string) []models.Participant {
	return slices.DeleteFunc(t.RosterOf(room), func(p models.Participant) bool {
		return p.SessionID == excludingSessionID
	})
}

// SessionsOf returns the sessions in room that use displayName.
func (t *Tracker) SessionsOf(room, displayName string) []models.Participant {
	return slices.DeleteFunc(t.RosterOf(room), func(p models.Participant) bool {
		return p.DisplayName != displayName
	})
}

// Lookup returns the room and participant record of a session.
func (t *Tracker) Lookup(sessionID string) (room string, p models.Participant, ok bool) {
	stx := t.sessions.Lock()
	defer stx.Unlock()

	m, err := stx.Get(sessionID)
	if err != nil {
		return "", models.Participant{}, false
	}
	return m.room, m.participant, true
}
