package internal

import (
	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

// ChatChannel 聊天頻道
type ChatChannel string

const (
	ChannelGlobal   ChatChannel = "global"
	ChannelAlliance ChatChannel = "alliance"
	ChannelPrivate  ChatChannel = "private"
)

// SendChat 轉發聊天訊息
//
// global / alliance 發給整個房間（alliance 目前不依陣營過濾）；
// private 只發給收件人並回顯給發送者。
func (r *Room) SendChat(fromID string, channel ChatChannel, toID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return apperrors.ErrRoomClosed
	}
	if _, ok := r.players[fromID]; !ok {
		return apperrors.ErrPlayerNotFound
	}

	msg := ChatPayload{
		TS:      r.clock.Now().UnixMilli(),
		From:    fromID,
		Channel: channel,
		Text:    text,
	}

	switch channel {
	case ChannelGlobal, ChannelAlliance:
		r.broadcastLocked(Event{Type: EventChat, Data: msg})
	case ChannelPrivate:
		if _, ok := r.players[toID]; !ok {
			return apperrors.ErrPlayerNotFound.WithDetails(toID)
		}
		msg.To = toID
		ev := Event{Type: EventChat, Data: msg}
		r.notifyLocked(toID, ev)
		if toID != fromID {
			r.notifyLocked(fromID, ev)
		}
	default:
		return apperrors.ErrUnknownChannel.WithDetails(string(channel))
	}

	return nil
}
