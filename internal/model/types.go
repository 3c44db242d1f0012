package model

import (
	"strconv"
	"strings"
	"time"
)

// Kind identifies one of the campaign loops an admin can run.
type Kind string

const (
	KindPublish      Kind = "publish"
	KindJoin         Kind = "join"
	KindPrivateReply Kind = "private_reply"
	KindGroupReply   Kind = "group_reply"
	KindRandomReply  Kind = "random_reply"
)

// Kinds lists every campaign kind in display order.
var Kinds = []Kind{KindPublish, KindJoin, KindPrivateReply, KindGroupReply, KindRandomReply}

// ParseKind validates a kind coming from outside (URL, config key).
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// GroupStatus is the join state of a target group.
type GroupStatus string

const (
	GroupPending GroupStatus = "pending"
	GroupJoined  GroupStatus = "joined"
	GroupFailed  GroupStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s GroupStatus) Valid() bool {
	return s == GroupPending || s == GroupJoined || s == GroupFailed
}

// Account is a Telegram user session owned by an admin scope.
// AdminID 0 means the account is shared by every admin.
type Account struct {
	ID           int64      `json:"id" db:"id"`
	AdminID      int64      `json:"admin_id" db:"admin_id"`
	Session      string     `json:"-" db:"session_string"`
	Phone        string     `json:"phone" db:"phone"`
	Name         string     `json:"name" db:"name"`
	Username     string     `json:"username" db:"username"`
	Active       bool       `json:"active" db:"is_active"`
	AddedAt      time.Time  `json:"added_at" db:"added_at"`
	LastActivity *time.Time `json:"last_activity,omitempty" db:"last_activity"`
}

// Group is a campaign target identified by an invite link or public handle.
type Group struct {
	ID          int64       `json:"id" db:"id"`
	AdminID     int64       `json:"admin_id" db:"admin_id"`
	Link        string      `json:"link" db:"link"`
	Status      GroupStatus `json:"status" db:"status"`
	JoinedAt    *time.Time  `json:"joined_at,omitempty" db:"join_date"`
	LastChecked *time.Time  `json:"last_checked,omitempty" db:"last_checked"`
	AddedAt     time.Time   `json:"added_at" db:"added_at"`
}

// AdType is the shape of an advertisement payload.
type AdType string

const (
	AdText    AdType = "text"
	AdPhoto   AdType = "photo"
	AdContact AdType = "contact"
)

// Ad is a piece of content published into joined groups.
type Ad struct {
	ID        int64     `json:"id" db:"id"`
	AdminID   int64     `json:"admin_id" db:"admin_id"`
	Type      AdType    `json:"type" db:"type"`
	Text      string    `json:"text" db:"text"`
	MediaPath string    `json:"media_path,omitempty" db:"media_path"`
	FileType  string    `json:"file_type,omitempty" db:"file_type"`
	Active    bool      `json:"active" db:"is_active"`
	AddedAt   time.Time `json:"added_at" db:"added_at"`
}

// Content converts the ad into the payload the executor sends.
func (a Ad) Content() Content {
	c := Content{Text: a.Text, MediaPath: a.MediaPath}
	switch a.Type {
	case AdPhoto:
		c.Media = MediaPhoto
	case AdContact:
		c.Media = MediaContact
	}
	if c.MediaPath == "" {
		c.Media = MediaNone
	}
	return c
}

// PrivateReply is an automatic answer to private messages.
type PrivateReply struct {
	ID      int64     `json:"id" db:"id"`
	AdminID int64     `json:"admin_id" db:"admin_id"`
	Text    string    `json:"text" db:"reply_text"`
	Active  bool      `json:"active" db:"is_active"`
	AddedAt time.Time `json:"added_at" db:"added_at"`
}

// KeywordReply answers group messages containing Trigger.
type KeywordReply struct {
	ID        int64     `json:"id" db:"id"`
	AdminID   int64     `json:"admin_id" db:"admin_id"`
	Trigger   string    `json:"trigger" db:"trigger"`
	Text      string    `json:"text" db:"reply_text"`
	MediaPath string    `json:"media_path,omitempty" db:"media_path"`
	Active    bool      `json:"active" db:"is_active"`
	AddedAt   time.Time `json:"added_at" db:"added_at"`
}

// Matches reports whether text contains the trigger, case-insensitively.
func (r KeywordReply) Matches(text string) bool {
	trigger := strings.TrimSpace(r.Trigger)
	if trigger == "" || text == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(trigger))
}

// Content returns the reply payload, a photo when media is attached.
func (r KeywordReply) Content() Content {
	return textOrPhoto(r.Text, r.MediaPath)
}

// RandomReply is picked uniformly at random to answer group messages.
type RandomReply struct {
	ID        int64     `json:"id" db:"id"`
	AdminID   int64     `json:"admin_id" db:"admin_id"`
	Text      string    `json:"text" db:"reply_text"`
	MediaPath string    `json:"media_path,omitempty" db:"media_path"`
	Active    bool      `json:"active" db:"is_active"`
	AddedAt   time.Time `json:"added_at" db:"added_at"`
}

func (r RandomReply) Content() Content {
	return textOrPhoto(r.Text, r.MediaPath)
}

func textOrPhoto(text, media string) Content {
	if media == "" {
		return Content{Text: text}
	}
	return Content{Text: text, MediaPath: media, Media: MediaPhoto}
}

// Admin is a bot user allowed to manage campaigns.
type Admin struct {
	ID       int64     `json:"id" db:"id"`
	UserID   int64     `json:"user_id" db:"user_id"`
	Username string    `json:"username" db:"username"`
	FullName string    `json:"full_name" db:"full_name"`
	IsSuper  bool      `json:"is_super" db:"is_super_admin"`
	AddedAt  time.Time `json:"added_at" db:"added_at"`
}

// MediaKind tells the connection how to upload Content.MediaPath.
type MediaKind string

const (
	MediaNone    MediaKind = ""
	MediaPhoto   MediaKind = "photo"
	MediaContact MediaKind = "contact"
)

// Content is one outgoing message: text, optionally with an attached file.
type Content struct {
	Text      string    `json:"text"`
	MediaPath string    `json:"media_path,omitempty"`
	Media     MediaKind `json:"media,omitempty"`
}

// Message is a recent inbound message seen by an account.
// Peer is the platform handle needed to answer it and is opaque to the engine.
type Message struct {
	Chat    string
	ID      int
	Text    string
	Private bool
	Date    time.Time
	Sender  int64
	// Shared is set when every account sees the same message ID in Chat
	// (supergroups). Basic groups number messages per account.
	Shared bool
	Peer   any
}

// Key identifies the message regardless of which account saw it.
func (m Message) Key() string {
	if m.Shared {
		return m.Chat + "#" + strconv.Itoa(m.ID)
	}
	return m.Chat + "@" + strconv.FormatInt(m.Sender, 10) + "/" + strconv.FormatInt(m.Date.Unix(), 10) + "/" + m.Text
}

// MessageFilter selects which recent messages a connection returns.
type MessageFilter struct {
	Private bool // private chats when true, groups otherwise
	Dialogs int  // most recent dialogs to scan
	PerChat int  // most recent messages per dialog
}
