package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aeolun/roomcast/pkg/database"
	"github.com/aeolun/roomcast/pkg/ledger"
	"github.com/aeolun/roomcast/pkg/poll"
	"github.com/aeolun/roomcast/pkg/protocol"
)

const (
	maxIdentityLength = 32
	maxRoomNameLength = 64
	defaultHistoryLen = 20
)

// errQuit ends the read loop after the queued replies have been written
var errQuit = errors.New("client quit")

// CommandError is a typed failure reported to the sender as an ERROR frame.
// The session continues afterwards.
type CommandError struct {
	Code    uint16
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("error %d: %s", e.Code, e.Message)
}

func cmdErr(code uint16, format string, args ...any) error {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// dispatch applies one decoded command. Every variant of the closed command
// set has a case.
func (s *Server) dispatch(sess *Session, cmd protocol.Command) error {
	switch msg := cmd.(type) {
	case *protocol.HelloMessage:
		return cmdErr(protocol.ErrCodeInvalidInput, "already identified as %s", sess.Identity())
	case *protocol.ChatMessage:
		return s.handleChat(sess, msg)
	case *protocol.PrivateMessage:
		return s.handlePrivate(sess, msg)
	case *protocol.CreateRoomMessage:
		return s.handleCreateRoom(sess, msg)
	case *protocol.JoinRoomMessage:
		return s.handleJoinRoom(sess, msg)
	case *protocol.ListRoomsMessage:
		return s.reply(sess, protocol.TypeRoomList, &protocol.RoomListMessage{Rooms: s.sessions.Rooms()})
	case *protocol.ListUsersMessage:
		return s.reply(sess, protocol.TypeUserList, &protocol.UserListMessage{Users: s.sessions.Users()})
	case *protocol.UploadMessage:
		_, err := s.relay.Receive(sess, msg)
		return err
	case *protocol.DepositMessage:
		return s.handleDeposit(sess, msg)
	case *protocol.WithdrawMessage:
		return s.handleWithdraw(sess, msg)
	case *protocol.BalanceMessage:
		return s.handleBalance(sess)
	case *protocol.LedgerHistoryRequest:
		return s.handleLedgerHistory(sess)
	case *protocol.CreatePollMessage:
		return s.handleCreatePoll(sess, msg)
	case *protocol.VoteMessage:
		return s.handleVote(sess, msg)
	case *protocol.ListPollsMessage:
		return s.handleListPolls(sess)
	case *protocol.KickMessage:
		return s.handleKick(sess, msg)
	case *protocol.SaveHistoryMessage:
		return s.handleSaveHistory(sess)
	case *protocol.GetHistoryMessage:
		return s.handleGetHistory(sess, msg)
	case *protocol.PingMessage:
		return s.reply(sess, protocol.TypePong, &protocol.PongMessage{ClientTimestamp: msg.Timestamp})
	case *protocol.QuitMessage:
		s.reply(sess, protocol.TypeSuccess, &protocol.SuccessMessage{Message: "goodbye"})
		return errQuit
	default:
		return cmdErr(protocol.ErrCodeUnsupportedType, "unsupported command 0x%02X", cmd.Type())
	}
}

// reply queues a message for the sender only
func (s *Server) reply(sess *Session, msgType uint8, msg protocol.Encoder) error {
	frame, err := protocol.MessageFrame(msgType, msg)
	if err != nil {
		return fmt.Errorf("encode 0x%02X: %w", msgType, err)
	}
	if err := s.sessions.SendTo(sess, frame); err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	return nil
}

// sendError queues an ERROR frame for the sender
func (s *Server) sendError(sess *Session, code uint16, message string) error {
	return s.reply(sess, protocol.TypeError, &protocol.ErrorMessage{ErrorCode: code, Message: message})
}

// notice builds a NOTICE frame
func notice(kind uint8, format string, args ...any) *protocol.Frame {
	frame, _ := protocol.MessageFrame(protocol.TypeNotice, &protocol.NoticeMessage{
		Kind: kind,
		Text: fmt.Sprintf(format, args...),
	})
	return frame
}

// record appends an event to the sink, counting failures
func (s *Server) record(e database.Event) {
	if err := s.events.Append(e); err != nil {
		debugLog.Printf("event sink: %v", err)
		s.metrics.RecordSinkFailure()
	}
}

func (s *Server) handleChat(sess *Session, msg *protocol.ChatMessage) error {
	if strings.TrimSpace(msg.Text) == "" {
		return cmdErr(protocol.ErrCodeInvalidInput, "message cannot be empty")
	}
	if len(msg.Text) > s.config.MaxMessageLength {
		return cmdErr(protocol.ErrCodeMessageTooLong, "message exceeds %d bytes", s.config.MaxMessageLength)
	}
	if !sess.allowChat() {
		s.metrics.RecordRateLimited()
		return cmdErr(protocol.ErrCodeRateLimitExceeded, "too many messages, slow down")
	}

	identity, roomName := sess.Identity(), sess.Room()
	now := time.Now().UnixMilli()

	frame, err := protocol.MessageFrame(protocol.TypeChatBroadcast, &protocol.ChatBroadcastMessage{
		Room:      roomName,
		Sender:    identity,
		Timestamp: now,
		Text:      msg.Text,
	})
	if err != nil {
		return err
	}
	s.sessions.BroadcastToRoom(roomName, frame, sess)

	if ring, err := s.sessions.History(roomName); err == nil {
		ring.Append(protocol.HistoryLine{Sender: identity, Timestamp: now, Text: msg.Text})
	}
	s.record(database.Event{Kind: database.KindChat, Room: roomName, Actor: identity, Body: msg.Text, CreatedAt: now})

	return s.reply(sess, protocol.TypeEcho, echoViews(msg.Text))
}

// echoViews derives the sender-only views of a chat line
func echoViews(text string) *protocol.EchoMessage {
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return &protocol.EchoMessage{
		Upper:    strings.ToUpper(text),
		Reversed: string(runes),
		Length:   uint32(utf8.RuneCountInString(text)),
	}
}

func (s *Server) handlePrivate(sess *Session, msg *protocol.PrivateMessage) error {
	if strings.TrimSpace(msg.Text) == "" {
		return cmdErr(protocol.ErrCodeInvalidInput, "message cannot be empty")
	}
	if len(msg.Text) > s.config.MaxMessageLength {
		return cmdErr(protocol.ErrCodeMessageTooLong, "message exceeds %d bytes", s.config.MaxMessageLength)
	}

	target, ok := s.sessions.Lookup(msg.Target)
	if !ok {
		return cmdErr(protocol.ErrCodeUserNotFound, "no user named %s", msg.Target)
	}

	frame, err := protocol.MessageFrame(protocol.TypePrivateDelivery, &protocol.PrivateDeliveryMessage{
		Sender: sess.Identity(),
		Text:   msg.Text,
	})
	if err != nil {
		return err
	}
	if err := s.sessions.SendTo(target, frame); err != nil {
		return cmdErr(protocol.ErrCodeUserNotFound, "%s is no longer connected", msg.Target)
	}

	s.record(database.Event{Kind: database.KindPrivate, Actor: sess.Identity(), Target: target.Identity(), Body: msg.Text})
	return s.reply(sess, protocol.TypeSuccess, &protocol.SuccessMessage{Message: "sent to " + target.Identity()})
}

func validRoomName(name string) error {
	if name == "" {
		return cmdErr(protocol.ErrCodeInvalidInput, "room name cannot be empty")
	}
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		return cmdErr(protocol.ErrCodeInvalidInput, "room name exceeds %d characters", maxRoomNameLength)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return cmdErr(protocol.ErrCodeInvalidInput, "room name cannot contain spaces")
		}
	}
	return nil
}

func (s *Server) handleCreateRoom(sess *Session, msg *protocol.CreateRoomMessage) error {
	name := strings.TrimSpace(msg.Room)
	if err := validRoomName(name); err != nil {
		return err
	}
	if err := s.sessions.CreateRoom(name); err != nil {
		if errors.Is(err, ErrRoomExists) {
			return cmdErr(protocol.ErrCodeRoomExists, "room %s already exists", name)
		}
		return err
	}

	s.record(database.Event{Kind: database.KindRoomCreated, Room: name, Actor: sess.Identity()})
	s.sessions.BroadcastToAll(notice(protocol.NoticeRoomCreated, "%s created room %s", sess.Identity(), name), nil)

	return s.moveToRoom(sess, name)
}

func (s *Server) handleJoinRoom(sess *Session, msg *protocol.JoinRoomMessage) error {
	name := strings.TrimSpace(msg.Room)
	if err := validRoomName(name); err != nil {
		return err
	}
	return s.moveToRoom(sess, name)
}

// moveToRoom performs the atomic move, then announces it to both rooms
func (s *Server) moveToRoom(sess *Session, name string) error {
	old, err := s.sessions.MoveToRoom(sess, name)
	if errors.Is(err, ErrRoomNotFound) {
		return cmdErr(protocol.ErrCodeRoomNotFound, "room %s does not exist", name)
	}
	if err != nil {
		return err
	}

	identity := sess.Identity()
	if old != name {
		s.sessions.BroadcastToRoom(old, notice(protocol.NoticeLeave, "%s left %s", identity, old), sess)
		s.sessions.BroadcastToRoom(name, notice(protocol.NoticeJoin, "%s joined %s", identity, name), sess)
		s.record(database.Event{Kind: database.KindJoin, Room: name, Actor: identity, Target: old})
	}
	return s.reply(sess, protocol.TypeRoomChanged, &protocol.RoomChangedMessage{Room: name})
}

func positiveAmount(amount int64) (uint64, error) {
	if amount <= 0 {
		return 0, cmdErr(protocol.ErrCodeInvalidInput, "amount must be positive")
	}
	return uint64(amount), nil
}

func (s *Server) handleDeposit(sess *Session, msg *protocol.DepositMessage) error {
	amount, err := positiveAmount(msg.Amount)
	if err != nil {
		return err
	}

	identity := sess.Identity()
	balance, err := s.ledger.Deposit(identity, amount)
	if err != nil {
		s.metrics.RecordLedgerOperation(ledger.OpDeposit, "error")
		if errors.Is(err, ledger.ErrBalanceOverflow) {
			return cmdErr(protocol.ErrCodeInvalidInput, "deposit would overflow the balance")
		}
		return err
	}
	s.metrics.RecordLedgerOperation(ledger.OpDeposit, "ok")
	s.record(database.Event{Kind: database.KindDeposit, Actor: identity, Amount: msg.Amount})

	return s.reply(sess, protocol.TypeLedgerUpdate, &protocol.LedgerUpdateMessage{
		Identity:  identity,
		Operation: ledger.OpDeposit,
		Amount:    msg.Amount,
		Balance:   balance,
	})
}

// handleWithdraw may block the read loop for up to the withdraw timeout. The
// wait ends early when the session closes.
func (s *Server) handleWithdraw(sess *Session, msg *protocol.WithdrawMessage) error {
	amount, err := positiveAmount(msg.Amount)
	if err != nil {
		return err
	}

	identity := sess.Identity()
	balance, err := s.ledger.Withdraw(sess.Context(), identity, amount)
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.metrics.RecordLedgerOperation(ledger.OpWithdraw, "insufficient")
		return cmdErr(protocol.ErrCodeInsufficientFunds, "insufficient funds: balance %d, requested %d", balance, amount)
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	}

	s.metrics.RecordLedgerOperation(ledger.OpWithdraw, "ok")
	s.record(database.Event{Kind: database.KindWithdraw, Actor: identity, Amount: msg.Amount})

	return s.reply(sess, protocol.TypeLedgerUpdate, &protocol.LedgerUpdateMessage{
		Identity:  identity,
		Operation: ledger.OpWithdraw,
		Amount:    msg.Amount,
		Balance:   balance,
	})
}

func (s *Server) handleBalance(sess *Session) error {
	identity := sess.Identity()
	return s.reply(sess, protocol.TypeLedgerUpdate, &protocol.LedgerUpdateMessage{
		Identity:  identity,
		Operation: "balance",
		Balance:   s.ledger.Balance(identity),
	})
}

func (s *Server) handleLedgerHistory(sess *Session) error {
	history := s.ledger.History(sess.Identity())
	if len(history) > 0xFFFF {
		history = history[len(history)-0xFFFF:]
	}

	entries := make([]protocol.LedgerEntry, len(history))
	for i, e := range history {
		entries[i] = protocol.LedgerEntry{
			Timestamp: e.Time.UnixMilli(),
			Operation: e.Operation,
			Amount:    int64(e.Amount),
			Balance:   e.Balance,
		}
	}
	return s.reply(sess, protocol.TypeLedgerHistoryLog, &protocol.LedgerHistoryMessage{Entries: entries})
}

func pollUpdate(p poll.Snapshot) *protocol.PollUpdateMessage {
	opts := make([]protocol.PollOption, len(p.Options))
	for i, o := range p.Options {
		opts[i] = protocol.PollOption{Label: o.Label, Votes: o.Votes}
	}
	return &protocol.PollUpdateMessage{PollID: p.ID, Title: p.Title, Options: opts}
}

func (s *Server) broadcastPoll(p poll.Snapshot) error {
	frame, err := protocol.MessageFrame(protocol.TypePollUpdate, pollUpdate(p))
	if err != nil {
		return err
	}
	s.sessions.BroadcastToAll(frame, nil)
	return nil
}

func (s *Server) handleCreatePoll(sess *Session, msg *protocol.CreatePollMessage) error {
	p, err := s.polls.Create(sess.Identity(), msg.Title, msg.Options)
	if err != nil {
		return cmdErr(protocol.ErrCodeInvalidInput, "%v", err)
	}
	s.record(database.Event{Kind: database.KindPollCreated, Actor: sess.Identity(), Target: fmt.Sprint(p.ID), Body: p.Title})
	return s.broadcastPoll(p)
}

func (s *Server) handleVote(sess *Session, msg *protocol.VoteMessage) error {
	p, err := s.polls.Vote(msg.PollID, int(msg.Option))
	switch {
	case errors.Is(err, poll.ErrPollNotFound):
		return cmdErr(protocol.ErrCodePollNotFound, "poll %d does not exist", msg.PollID)
	case errors.Is(err, poll.ErrInvalidOption):
		return cmdErr(protocol.ErrCodeInvalidOption, "poll %d has no option %d", msg.PollID, msg.Option)
	case err != nil:
		return err
	}

	s.metrics.RecordPollVote()
	s.record(database.Event{Kind: database.KindVote, Actor: sess.Identity(), Target: fmt.Sprint(p.ID), Amount: int64(msg.Option)})
	return s.broadcastPoll(p)
}

func (s *Server) handleListPolls(sess *Session) error {
	polls := s.polls.List()
	if len(polls) > 0xFFFF {
		polls = polls[len(polls)-0xFFFF:]
	}
	list := make([]protocol.PollUpdateMessage, len(polls))
	for i, p := range polls {
		list[i] = *pollUpdate(p)
	}
	return s.reply(sess, protocol.TypePollList, &protocol.PollListMessage{Polls: list})
}

func (s *Server) handleKick(sess *Session, msg *protocol.KickMessage) error {
	if !sess.IsAdmin() {
		return cmdErr(protocol.ErrCodePermissionDenied, "only the admin can kick")
	}
	if msg.Target == sess.Identity() {
		return cmdErr(protocol.ErrCodeInvalidInput, "cannot kick yourself")
	}
	target, ok := s.sessions.Lookup(msg.Target)
	if !ok {
		return cmdErr(protocol.ErrCodeUserNotFound, "no user named %s", msg.Target)
	}

	log.Printf("Session %d: %s kicked %s", sess.ID, sess.Identity(), msg.Target)
	s.sessions.BroadcastToAll(notice(protocol.NoticeKick, "%s was kicked by %s", msg.Target, sess.Identity()), nil)
	s.record(database.Event{Kind: database.KindKick, Actor: sess.Identity(), Target: msg.Target})

	target.Close("kicked")
	return s.reply(sess, protocol.TypeSuccess, &protocol.SuccessMessage{Message: "kicked " + msg.Target})
}

func (s *Server) handleGetHistory(sess *Session, msg *protocol.GetHistoryMessage) error {
	roomName := sess.Room()
	ring, err := s.sessions.History(roomName)
	if err != nil {
		return cmdErr(protocol.ErrCodeRoomNotFound, "room %s does not exist", roomName)
	}

	limit := int(msg.Limit)
	if limit == 0 {
		limit = defaultHistoryLen
	}
	return s.reply(sess, protocol.TypeHistory, &protocol.HistoryMessage{Room: roomName, Lines: ring.Last(limit)})
}

// handleSaveHistory writes the caller's room history to a transcript file
func (s *Server) handleSaveHistory(sess *Session) error {
	roomName := sess.Room()
	ring, err := s.sessions.History(roomName)
	if err != nil {
		return cmdErr(protocol.ErrCodeRoomNotFound, "room %s does not exist", roomName)
	}

	path, err := writeTranscript(s.config.TranscriptDir, roomName, sess.Identity(), ring.Last(0))
	if err != nil {
		errorLog.Printf("Session %d: save transcript: %v", sess.ID, err)
		return cmdErr(protocol.ErrCodeInternalError, "could not save history")
	}

	s.record(database.Event{Kind: database.KindHistorySave, Room: roomName, Actor: sess.Identity(), Body: path})
	return s.reply(sess, protocol.TypeSuccess, &protocol.SuccessMessage{Message: "history saved to " + path})
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func writeTranscript(dir, roomName, identity string, lines []protocol.HistoryLine) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s-%s.txt",
		unsafePathChars.ReplaceAllString(roomName, "_"),
		unsafePathChars.ReplaceAllString(identity, "_"),
		time.Now().Format("20060102-150405.000"))
	path := filepath.Join(dir, name)

	var b strings.Builder
	for _, line := range lines {
		ts := time.UnixMilli(line.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts, line.Sender, line.Text)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", err
	}
	return path, nil
}

var numericIdentity = regexp.MustCompile(`^-?[0-9]+$`)

// canonicalIdentity maps a handshake token to a display identity. Numeric
// tokens become user<N> and also yield N⁴ as a decimal string.
func canonicalIdentity(token string) (identity string, power string, numeric bool, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", false, errors.New("identity cannot be empty")
	}

	if numericIdentity.MatchString(token) {
		n, ok := new(big.Int).SetString(token, 10)
		if !ok {
			return "", "", false, fmt.Errorf("invalid numeric identity %q", token)
		}
		p := new(big.Int).Exp(n, big.NewInt(4), nil)
		identity = "user" + n.String()
		if utf8.RuneCountInString(identity) > maxIdentityLength {
			return "", "", false, fmt.Errorf("identity exceeds %d characters", maxIdentityLength)
		}
		return identity, p.String(), true, nil
	}

	if utf8.RuneCountInString(token) > maxIdentityLength {
		return "", "", false, fmt.Errorf("identity exceeds %d characters", maxIdentityLength)
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", "", false, errors.New("identity cannot contain spaces")
		}
	}
	return token, "", false, nil
}
