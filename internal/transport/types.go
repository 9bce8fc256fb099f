// Package transport defines the boundary to the messaging network: a single
// authenticated session through which entities are resolved and raw messages
// arrive.
package transport

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// EntityRef addresses a chat, channel or user either by numeric id or by
// username. Numeric ids are stable; usernames are not.
type EntityRef struct {
	ID       int64
	Username string
}

func RefID(id int64) EntityRef { return EntityRef{ID: id} }

func RefUsername(name string) EntityRef {
	return EntityRef{Username: strings.TrimPrefix(strings.TrimSpace(name), "@")}
}

func (r EntityRef) IsUsername() bool { return r.ID == 0 && r.Username != "" }

func (r EntityRef) String() string {
	if r.IsUsername() {
		return "@" + r.Username
	}
	return "id:" + strconv.FormatInt(r.ID, 10)
}

// EntityInfo is the resolved form of an EntityRef. The kind flags are
// populated once at resolution time; consumers never probe attributes.
type EntityInfo struct {
	ID        int64
	Title     string
	FirstName string
	LastName  string
	Username  string
	Megagroup bool
	Broadcast bool
}

// SelfInfo identifies the authenticated session account.
type SelfInfo struct {
	ID        int64
	FirstName string
	Username  string
}

// MediaKind tags the concrete media payload of a raw message.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaVoice     MediaKind = "voice"
	MediaAudio     MediaKind = "audio"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
)

// RawMessage is one inbound message exactly as the transport delivered it,
// before normalization.
type RawMessage struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	ChatUsername string

	SenderID        int64
	SenderFirstName string
	SenderLastName  string
	SenderUsername  string

	Text   string
	SentAt time.Time
	Media  MediaKind // empty when the message carries no media
}

// Session is the single connection to the messaging network.
//
// Connect must be called before Resolve or Watch. Watch registers the
// monitored scope and starts delivering matching raw messages to out until
// ctx is canceled or Disconnect is called; out sends never block (slow
// consumers drop, with a periodic summary logged by the implementation).
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Me(ctx context.Context) (SelfInfo, error)
	Resolve(ctx context.Context, ref EntityRef) (EntityInfo, error)
	Watch(ctx context.Context, entityIDs []int64, out chan<- RawMessage) error
}
