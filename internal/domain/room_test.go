package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomSessionValidation(t *testing.T) {
	host := User{ID: "uid-h", Name: "host"}

	_, err := NewRoomSession("r1", host, "", RoomAudio, RoomPublic, "")
	assert.ErrorIs(t, err, ErrTopicEmpty)

	_, err = NewRoomSession("r1", host, "late night", RoomAudio, RoomPrivate, "")
	assert.ErrorIs(t, err, ErrSecretNeeded)

	rs, err := NewRoomSession("r1", host, "late night", RoomAudio, RoomPrivate, "hush")
	require.NoError(t, err)
	assert.Equal(t, RoleHost, rs.Host.Role())
	assert.Equal(t, 1, rs.MemberCount())
}

func TestRoomMemberLookup(t *testing.T) {
	rs := RoomSession{
		Host:        Host{U: User{ID: "uid-h"}},
		Speakers:    []Speaker{{U: User{ID: "uid-s"}, Muted: true}},
		Listeners:   []Listener{{U: User{ID: "uid-l"}}},
		RaisedHands: []UserID{"uid-l"},
	}

	mem, ok := rs.Member("uid-s")
	require.True(t, ok)
	assert.Equal(t, RoleSpeaker, mem.Role())

	_, ok = rs.Member("uid-x")
	assert.False(t, ok)

	assert.True(t, rs.HandRaised("uid-l"))
	assert.False(t, rs.HandRaised("uid-s"))
	assert.Len(t, rs.Members(), 3)
}

func TestNewUserValidation(t *testing.T) {
	_, err := NewUser("", "")
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	_, err = NewUser(strings.Repeat("a", MaxUsernameLen+1), "")
	assert.ErrorIs(t, err, ErrUsernameTooLong)

	u, err := NewUser("mallory", "https://cdn/x.png")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
}
