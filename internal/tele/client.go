package tele

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"tgpromote/internal/autojoin"
	"tgpromote/internal/model"
)

// GotdDialer opens Telegram user sessions from Telethon string sessions.
type GotdDialer struct {
	AppID   int
	AppHash string
	Logger  *zap.Logger
}

// Dial decodes the string session, connects and checks authorization.
// The connection stays up until Close, in a goroutine running client.Run.
func (d *GotdDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	data, err := session.TelethonSession(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: decode string session: %v", ErrUnauthorized, err)
	}
	storage := new(session.StorageMemory)
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := telegram.NewClient(d.AppID, d.AppHash, telegram.Options{
		SessionStorage: storage,
		Logger:         logger.Named("gotd"),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &gotdConn{
		client:   client,
		api:      client.API(),
		cancel:   cancel,
		done:     make(chan struct{}),
		resolved: make(map[string]tg.InputPeerClass),
	}
	ready := make(chan error, 1)
	go func() {
		defer close(c.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- fmt.Errorf("auth status: %w", mapErr(err))
				return err
			}
			if !status.Authorized {
				ready <- ErrUnauthorized
				return ErrUnauthorized
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		// Run can fail before the callback ever ran.
		select {
		case ready <- fmt.Errorf("connect: %w", err):
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.done
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, fmt.Errorf("connect: %w", ctx.Err())
	}
}

type gotdConn struct {
	client *telegram.Client
	api    *tg.Client
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	resolved map[string]tg.InputPeerClass
}

// Done is closed when the underlying client stops running.
func (c *gotdConn) Done() <-chan struct{} { return c.done }

func (c *gotdConn) Close() error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("client did not stop in time")
	}
}

func (c *gotdConn) Send(ctx context.Context, target string, content model.Content) error {
	peer, err := c.resolve(ctx, target)
	if err != nil {
		return err
	}
	return c.send(ctx, peer, content, 0)
}

func (c *gotdConn) Reply(ctx context.Context, msg model.Message, content model.Content) error {
	peer, ok := msg.Peer.(tg.InputPeerClass)
	if !ok {
		return fmt.Errorf("%w: message %d has no peer", ErrInvalidTarget, msg.ID)
	}
	return c.send(ctx, peer, content, msg.ID)
}

func (c *gotdConn) Join(ctx context.Context, target string) error {
	link, err := autojoin.ParseLink(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if link.Kind == autojoin.LinkInvite {
		_, err := c.api.MessagesImportChatInvite(ctx, link.Value)
		return mapErr(err)
	}
	res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: link.Value})
	if err != nil {
		return mapErr(err)
	}
	for _, chat := range res.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			_, err := c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash})
			return mapErr(err)
		}
	}
	return fmt.Errorf("%w: @%s is not a group", ErrInvalidTarget, link.Value)
}

func (c *gotdConn) RecentMessages(ctx context.Context, filter model.MessageFilter) ([]model.Message, error) {
	if filter.Dialogs <= 0 {
		filter.Dialogs = 30
	}
	if filter.PerChat <= 0 {
		filter.PerChat = 10
	}
	res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      filter.Dialogs,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	var ents entities
	var dialogs []tg.DialogClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		dialogs, ents = d.Dialogs, newEntities(d.Chats, d.Users)
	case *tg.MessagesDialogsSlice:
		dialogs, ents = d.Dialogs, newEntities(d.Chats, d.Users)
	default:
		return nil, nil
	}

	var out []model.Message
	for _, dc := range dialogs {
		dlg, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		peer, key, private, ok := ents.inputPeer(dlg.Peer)
		if !ok || private != filter.Private {
			continue
		}
		_, shared := dlg.Peer.(*tg.PeerChannel)
		hist, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: filter.PerChat})
		if err != nil {
			if _, flood := tgerr.AsFloodWait(err); flood {
				return out, mapErr(err)
			}
			continue
		}
		msgs := historyMessages(hist)
		// History comes newest first.
		for i := len(msgs) - 1; i >= 0; i-- {
			m, ok := msgs[i].(*tg.Message)
			if !ok || m.Out {
				continue
			}
			msg := model.Message{
				Chat:    key,
				ID:      m.ID,
				Text:    m.Message,
				Private: private,
				Date:    time.Unix(int64(m.Date), 0),
				Shared:  shared,
				Peer:    peer,
			}
			if from, ok := m.FromID.(*tg.PeerUser); ok {
				msg.Sender = from.UserID
			} else if u, ok := dlg.Peer.(*tg.PeerUser); ok {
				msg.Sender = u.UserID
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *gotdConn) send(ctx context.Context, peer tg.InputPeerClass, content model.Content, replyTo int) error {
	var reply tg.InputReplyToClass
	if replyTo > 0 {
		reply = &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
	}
	if content.Media == model.MediaNone || content.MediaPath == "" {
		_, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  content.Text,
			RandomID: randomID(),
			ReplyTo:  reply,
		})
		return mapErr(err)
	}

	file, err := uploader.NewUploader(c.api).FromPath(ctx, content.MediaPath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filepath.Base(content.MediaPath), mapErr(err))
	}
	var media tg.InputMediaClass
	switch content.Media {
	case model.MediaContact:
		media = &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: "text/x-vcard",
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: filepath.Base(content.MediaPath)},
			},
		}
	default:
		media = &tg.InputMediaUploadedPhoto{File: file}
	}
	_, err = c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		Message:  content.Text,
		RandomID: randomID(),
		ReplyTo:  reply,
	})
	return mapErr(err)
}

// resolve turns an invite link or handle into a peer this session can write to.
func (c *gotdConn) resolve(ctx context.Context, target string) (tg.InputPeerClass, error) {
	link, err := autojoin.ParseLink(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	key := link.String()
	c.mu.Lock()
	peer, ok := c.resolved[key]
	c.mu.Unlock()
	if ok {
		return peer, nil
	}

	if link.Kind == autojoin.LinkInvite {
		invite, err := c.api.MessagesCheckChatInvite(ctx, link.Value)
		if err != nil {
			return nil, mapErr(err)
		}
		switch inv := invite.(type) {
		case *tg.ChatInviteAlready:
			peer, ok = chatPeer(inv.Chat)
		case *tg.ChatInvitePeek:
			peer, ok = chatPeer(inv.Chat)
		default:
			return nil, fmt.Errorf("%w: not joined to %s", ErrPrivateTarget, key)
		}
	} else {
		res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: link.Value})
		if err != nil {
			return nil, mapErr(err)
		}
		for _, chat := range res.Chats {
			if peer, ok = chatPeer(chat); ok {
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, key)
	}
	c.mu.Lock()
	c.resolved[key] = peer
	c.mu.Unlock()
	return peer, nil
}

func chatPeer(chat tg.ChatClass) (tg.InputPeerClass, bool) {
	switch ch := chat.(type) {
	case *tg.Chat:
		return &tg.InputPeerChat{ChatID: ch.ID}, true
	case *tg.Channel:
		return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
	}
	return nil, false
}

type entities struct {
	users    map[int64]*tg.User
	channels map[int64]*tg.Channel
}

func newEntities(chats []tg.ChatClass, users []tg.UserClass) entities {
	e := entities{users: make(map[int64]*tg.User), channels: make(map[int64]*tg.Channel)}
	for _, u := range users {
		if u, ok := u.(*tg.User); ok {
			e.users[u.ID] = u
		}
	}
	for _, c := range chats {
		if c, ok := c.(*tg.Channel); ok {
			e.channels[c.ID] = c
		}
	}
	return e
}

// inputPeer maps a dialog peer to something we can answer; broadcast
// channels, bots and the account itself are skipped.
func (e entities) inputPeer(p tg.PeerClass) (peer tg.InputPeerClass, key string, private, ok bool) {
	switch p := p.(type) {
	case *tg.PeerUser:
		u, found := e.users[p.UserID]
		if !found || u.Bot || u.Self {
			return nil, "", false, false
		}
		return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}, fmt.Sprintf("u%d", u.ID), true, true
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}, fmt.Sprintf("c%d", p.ChatID), false, true
	case *tg.PeerChannel:
		ch, found := e.channels[p.ChannelID]
		if !found || !ch.Megagroup {
			return nil, "", false, false
		}
		return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, fmt.Sprintf("ch%d", ch.ID), false, true
	}
	return nil, "", false, false
}

func historyMessages(h tg.MessagesMessagesClass) []tg.MessageClass {
	switch h := h.(type) {
	case *tg.MessagesMessages:
		return h.Messages
	case *tg.MessagesMessagesSlice:
		return h.Messages
	case *tg.MessagesChannelMessages:
		return h.Messages
	}
	return nil
}

// Telegram RPC error types, grouped by how campaigns treat them.
var (
	privateErrors = []string{
		"CHANNEL_PRIVATE", "CHAT_WRITE_FORBIDDEN", "USER_BANNED_IN_CHANNEL",
		"CHAT_ADMIN_REQUIRED", "INVITE_HASH_EXPIRED", "INVITE_REQUEST_SENT",
		"CHAT_SEND_MEDIA_FORBIDDEN", "CHAT_RESTRICTED",
	}
	invalidErrors = []string{
		"USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "INVITE_HASH_INVALID",
		"INVITE_HASH_EMPTY", "CHANNEL_INVALID", "PEER_ID_INVALID", "CHANNELS_TOO_MUCH",
		"MSG_ID_INVALID",
	}
	authErrors = []string{
		"AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED",
		"SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN",
	}
)

// mapErr translates gotd RPC errors into the package's platform signals.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &FloodWaitError{Wait: d, Err: err}
	}
	switch {
	case tgerr.Is(err, "USER_ALREADY_PARTICIPANT"):
		return fmt.Errorf("%w: %v", ErrAlreadyMember, err)
	case tgerr.Is(err, privateErrors...):
		return fmt.Errorf("%w: %v", ErrPrivateTarget, err)
	case tgerr.Is(err, invalidErrors...):
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	case tgerr.Is(err, authErrors...):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func randomID() int64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return int64(binary.LittleEndian.Uint64(buf[:]) & 0x7fffffffffffffff)
}
