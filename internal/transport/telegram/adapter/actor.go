package adapter

import (
	"context"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	logx "wardenbot/pkg/logx"
)

// SanctionActor applies temp-note sanctions as Telegram restrictions in the
// enforcement group: restricted = sanctioned. Restrictions carry no
// until_date of their own; the enforcement pass lifts them when the backing
// note expires or is removed.
type SanctionActor struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger
}

// SanctionActor returns an actor bound to the group. Telebot calls carry the
// bot client's own timeout; ctx is honored between calls.
func (a *Adapter) SanctionActor(groupID int64, log logx.Logger) (*SanctionActor, error) {
	if groupID == 0 {
		return nil, errors.New("enforcement group id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SanctionActor{
		bot:  a.bot,
		chat: &tele.Chat{ID: groupID},
		log:  log.With(logx.String("comp", "telegram.actor")),
	}, nil
}

func (s *SanctionActor) Sanctioned(ctx context.Context, subject int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	member, err := s.bot.ChatMemberOf(s.chat, &tele.User{ID: subject})
	if err != nil {
		return false, fmt.Errorf("get member %d: %w", subject, err)
	}
	return member.Role == tele.Restricted, nil
}

func (s *SanctionActor) Apply(ctx context.Context, subject int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	member := &tele.ChatMember{
		User:   &tele.User{ID: subject},
		Rights: tele.NoRights(),
	}
	if err := s.bot.Restrict(s.chat, member); err != nil {
		return fmt.Errorf("restrict %d: %w", subject, err)
	}
	s.log.Debug("member restricted", logx.Int64("subject", subject))
	return nil
}

func (s *SanctionActor) Remove(ctx context.Context, subject int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	member := &tele.ChatMember{
		User:   &tele.User{ID: subject},
		Rights: tele.NoRestrictions(),
	}
	if err := s.bot.Restrict(s.chat, member); err != nil {
		return fmt.Errorf("unrestrict %d: %w", subject, err)
	}
	s.log.Debug("member unrestricted", logx.Int64("subject", subject))
	return nil
}
