package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Message type constants (Client → Server)
const (
	TypeHello         = 0x01
	TypeChat          = 0x02
	TypePrivate       = 0x03
	TypeCreateRoom    = 0x04
	TypeJoinRoom      = 0x05
	TypeListRooms     = 0x06
	TypeListUsers     = 0x07
	TypeUpload        = 0x08
	TypeDeposit       = 0x09
	TypeWithdraw      = 0x0A
	TypeBalance       = 0x0B
	TypeLedgerHistory = 0x0C
	TypeCreatePoll    = 0x0D
	TypeVote          = 0x0E
	TypeListPolls     = 0x0F
	TypeKick          = 0x10
	TypeSaveHistory   = 0x11
	TypeGetHistory    = 0x12
	TypePing          = 0x13
	TypeQuit          = 0x14
)

// Message type constants (Server → Client)
const (
	TypeWelcome          = 0x81
	TypePowerResult      = 0x82
	TypeSuccess          = 0x83
	TypeEcho             = 0x84
	TypeChatBroadcast    = 0x85
	TypePrivateDelivery  = 0x86
	TypeNotice           = 0x87
	TypeRoomChanged      = 0x88
	TypeRoomList         = 0x89
	TypeUserList         = 0x8A
	TypeLedgerUpdate     = 0x8B
	TypeLedgerHistoryLog = 0x8C
	TypePollUpdate       = 0x8D
	TypePollList         = 0x8E
	TypeHistory          = 0x8F
	TypePong             = 0x90
	TypeError            = 0x91
	TypeFileOffer        = 0xA0
	TypeFileData         = 0xA1
	TypeFileEnd          = 0xA2
	TypeFileCancel       = 0xA3
	TypeUploadResult     = 0xA4
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat   = 1000
	ErrCodeUnsupportedType = 1001
	ErrCodeInvalidFrame    = 1002

	// Handshake errors (2xxx)
	ErrCodeHandshakeRequired = 2000
	ErrCodeAuthFailed        = 2001

	// Authorization errors (3xxx)
	ErrCodePermissionDenied = 3000

	// Resource errors (4xxx)
	ErrCodeNotFound          = 4000
	ErrCodeRoomNotFound      = 4001
	ErrCodeUserNotFound      = 4002
	ErrCodePollNotFound      = 4003
	ErrCodeInvalidOption     = 4004
	ErrCodeRoomExists        = 4005
	ErrCodeInsufficientFunds = 4100

	// Rate limit errors (5xxx)
	ErrCodeRateLimitExceeded = 5000

	// Validation errors (6xxx)
	ErrCodeInvalidInput    = 6000
	ErrCodeMessageTooLong  = 6001
	ErrCodeInvalidIdentity = 6002
	ErrCodeUploadTooLarge  = 6003

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

// Notice kinds carried by NOTICE frames
const (
	NoticeJoin        = 0x01
	NoticeLeave       = 0x02
	NoticeDisconnect  = 0x03
	NoticeKick        = 0x04
	NoticeAdmin       = 0x05
	NoticeRoomCreated = 0x06
)

// Upload result statuses
const (
	UploadAccepted  = 0x00
	UploadRejected  = 0x01
	UploadCancelled = 0x02
)

// MaxPollOptions bounds the option list of a single poll
const MaxPollOptions = 16

var (
	ErrUnknownCommand   = errors.New("unknown command type")
	ErrMalformedCommand = errors.New("malformed command payload")
	ErrTooManyOptions   = errors.New("too many poll options")
	ErrTooManyEntries   = errors.New("too many list entries (max 65535)")
)

// Command is the closed set of messages a client may send. DecodeCommand is
// the only constructor used by the server.
type Command interface {
	Encoder
	Decode(payload []byte) error
	Type() uint8
	command()
}

// DecodeCommand decodes a client frame into its command variant
func DecodeCommand(frame *Frame) (Command, error) {
	var cmd Command
	switch frame.Type {
	case TypeHello:
		cmd = &HelloMessage{}
	case TypeChat:
		cmd = &ChatMessage{}
	case TypePrivate:
		cmd = &PrivateMessage{}
	case TypeCreateRoom:
		cmd = &CreateRoomMessage{}
	case TypeJoinRoom:
		cmd = &JoinRoomMessage{}
	case TypeListRooms:
		cmd = &ListRoomsMessage{}
	case TypeListUsers:
		cmd = &ListUsersMessage{}
	case TypeUpload:
		cmd = &UploadMessage{}
	case TypeDeposit:
		cmd = &DepositMessage{}
	case TypeWithdraw:
		cmd = &WithdrawMessage{}
	case TypeBalance:
		cmd = &BalanceMessage{}
	case TypeLedgerHistory:
		cmd = &LedgerHistoryRequest{}
	case TypeCreatePoll:
		cmd = &CreatePollMessage{}
	case TypeVote:
		cmd = &VoteMessage{}
	case TypeListPolls:
		cmd = &ListPollsMessage{}
	case TypeKick:
		cmd = &KickMessage{}
	case TypeSaveHistory:
		cmd = &SaveHistoryMessage{}
	case TypeGetHistory:
		cmd = &GetHistoryMessage{}
	case TypePing:
		cmd = &PingMessage{}
	case TypeQuit:
		cmd = &QuitMessage{}
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, frame.Type)
	}

	if err := cmd.Decode(frame.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return cmd, nil
}

// CommandFrame encodes a command into a frame of its own type
func CommandFrame(cmd Command) (*Frame, error) {
	return MessageFrame(cmd.Type(), cmd)
}

// EncodePayload encodes a message into a standalone payload
func EncodePayload(m Encoder) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeWith runs fn over a reader positioned at the start of payload
func decodeWith(payload []byte, fn func(r *bytes.Reader) error) error {
	return fn(bytes.NewReader(payload))
}

// ============================================================================
// Client → Server
// ============================================================================

// HelloMessage (0x01) - identity handshake, always the first frame
type HelloMessage struct {
	Identity string
	Password string
}

func (m *HelloMessage) Type() uint8 { return TypeHello }
func (m *HelloMessage) command()    {}

func (m *HelloMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Identity); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *HelloMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Identity, err = ReadString(r); err != nil {
			return err
		}
		m.Password, err = ReadString(r)
		return err
	})
}

// ChatMessage (0x02) - free text for the sender's current room
type ChatMessage struct {
	Text string
}

func (m *ChatMessage) Type() uint8 { return TypeChat }
func (m *ChatMessage) command()    {}

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Text)
}

func (m *ChatMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Text, err = ReadString(r)
		return err
	})
}

// PrivateMessage (0x03) - direct message to one identity
type PrivateMessage struct {
	Target string
	Text   string
}

func (m *PrivateMessage) Type() uint8 { return TypePrivate }
func (m *PrivateMessage) command()    {}

func (m *PrivateMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Target); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *PrivateMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Target, err = ReadString(r); err != nil {
			return err
		}
		m.Text, err = ReadString(r)
		return err
	})
}

// CreateRoomMessage (0x04) - create a room and move into it
type CreateRoomMessage struct {
	Room string
}

func (m *CreateRoomMessage) Type() uint8 { return TypeCreateRoom }
func (m *CreateRoomMessage) command()    {}

func (m *CreateRoomMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Room)
}

func (m *CreateRoomMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Room, err = ReadString(r)
		return err
	})
}

// JoinRoomMessage (0x05) - move into an existing room
type JoinRoomMessage struct {
	Room string
}

func (m *JoinRoomMessage) Type() uint8 { return TypeJoinRoom }
func (m *JoinRoomMessage) command()    {}

func (m *JoinRoomMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Room)
}

func (m *JoinRoomMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Room, err = ReadString(r)
		return err
	})
}

// ListRoomsMessage (0x06) - request the room list
type ListRoomsMessage struct{}

func (m *ListRoomsMessage) Type() uint8                { return TypeListRooms }
func (m *ListRoomsMessage) command()                   {}
func (m *ListRoomsMessage) EncodeTo(w io.Writer) error { return nil }
func (m *ListRoomsMessage) Decode(payload []byte) error {
	return nil
}

// ListUsersMessage (0x07) - request the connected identities
type ListUsersMessage struct{}

func (m *ListUsersMessage) Type() uint8                { return TypeListUsers }
func (m *ListUsersMessage) command()                   {}
func (m *ListUsersMessage) EncodeTo(w io.Writer) error { return nil }
func (m *ListUsersMessage) Decode(payload []byte) error {
	return nil
}

// UploadMessage (0x08) - announces a file upload. The raw chunk stream
// follows immediately on the same connection.
type UploadMessage struct {
	FileName string
	Size     int64
}

func (m *UploadMessage) Type() uint8 { return TypeUpload }
func (m *UploadMessage) command()    {}

func (m *UploadMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.FileName); err != nil {
		return err
	}
	return WriteInt64(w, m.Size)
}

func (m *UploadMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.FileName, err = ReadString(r); err != nil {
			return err
		}
		m.Size, err = ReadInt64(r)
		return err
	})
}

// DepositMessage (0x09) - add funds to the sender's ledger account
type DepositMessage struct {
	Amount int64
}

func (m *DepositMessage) Type() uint8 { return TypeDeposit }
func (m *DepositMessage) command()    {}

func (m *DepositMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Amount)
}

func (m *DepositMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Amount, err = ReadInt64(r)
		return err
	})
}

// WithdrawMessage (0x0A) - remove funds, waiting a bounded time for them
type WithdrawMessage struct {
	Amount int64
}

func (m *WithdrawMessage) Type() uint8 { return TypeWithdraw }
func (m *WithdrawMessage) command()    {}

func (m *WithdrawMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Amount)
}

func (m *WithdrawMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Amount, err = ReadInt64(r)
		return err
	})
}

// BalanceMessage (0x0B) - query the sender's balance
type BalanceMessage struct{}

func (m *BalanceMessage) Type() uint8                { return TypeBalance }
func (m *BalanceMessage) command()                   {}
func (m *BalanceMessage) EncodeTo(w io.Writer) error { return nil }
func (m *BalanceMessage) Decode(payload []byte) error {
	return nil
}

// LedgerHistoryRequest (0x0C) - query the sender's ledger history
type LedgerHistoryRequest struct{}

func (m *LedgerHistoryRequest) Type() uint8                { return TypeLedgerHistory }
func (m *LedgerHistoryRequest) command()                   {}
func (m *LedgerHistoryRequest) EncodeTo(w io.Writer) error { return nil }
func (m *LedgerHistoryRequest) Decode(payload []byte) error {
	return nil
}

// CreatePollMessage (0x0D) - create a poll
type CreatePollMessage struct {
	Title   string
	Options []string
}

func (m *CreatePollMessage) Type() uint8 { return TypeCreatePoll }
func (m *CreatePollMessage) command()    {}

func (m *CreatePollMessage) EncodeTo(w io.Writer) error {
	if len(m.Options) > 255 {
		return ErrTooManyOptions
	}
	if err := WriteString(w, m.Title); err != nil {
		return err
	}
	if err := WriteUint8(w, uint8(len(m.Options))); err != nil {
		return err
	}
	for _, opt := range m.Options {
		if err := WriteString(w, opt); err != nil {
			return err
		}
	}
	return nil
}

func (m *CreatePollMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Title, err = ReadString(r); err != nil {
			return err
		}
		count, err := ReadUint8(r)
		if err != nil {
			return err
		}
		m.Options = make([]string, 0, count)
		for i := 0; i < int(count); i++ {
			opt, err := ReadString(r)
			if err != nil {
				return err
			}
			m.Options = append(m.Options, opt)
		}
		return nil
	})
}

// VoteMessage (0x0E) - vote for one option of a poll
type VoteMessage struct {
	PollID uint64
	Option uint16
}

func (m *VoteMessage) Type() uint8 { return TypeVote }
func (m *VoteMessage) command()    {}

func (m *VoteMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.PollID); err != nil {
		return err
	}
	return WriteUint16(w, m.Option)
}

func (m *VoteMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.PollID, err = ReadUint64(r); err != nil {
			return err
		}
		m.Option, err = ReadUint16(r)
		return err
	})
}

// ListPollsMessage (0x0F) - request every poll
type ListPollsMessage struct{}

func (m *ListPollsMessage) Type() uint8                { return TypeListPolls }
func (m *ListPollsMessage) command()                   {}
func (m *ListPollsMessage) EncodeTo(w io.Writer) error { return nil }
func (m *ListPollsMessage) Decode(payload []byte) error {
	return nil
}

// KickMessage (0x10) - admin only, force-disconnect an identity
type KickMessage struct {
	Target string
}

func (m *KickMessage) Type() uint8 { return TypeKick }
func (m *KickMessage) command()    {}

func (m *KickMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Target)
}

func (m *KickMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Target, err = ReadString(r)
		return err
	})
}

// SaveHistoryMessage (0x11) - write the room's recent chat to a transcript
type SaveHistoryMessage struct{}

func (m *SaveHistoryMessage) Type() uint8                { return TypeSaveHistory }
func (m *SaveHistoryMessage) command()                   {}
func (m *SaveHistoryMessage) EncodeTo(w io.Writer) error { return nil }
func (m *SaveHistoryMessage) Decode(payload []byte) error {
	return nil
}

// GetHistoryMessage (0x12) - request the room's recent chat
type GetHistoryMessage struct {
	Limit uint16
}

func (m *GetHistoryMessage) Type() uint8 { return TypeGetHistory }
func (m *GetHistoryMessage) command()    {}

func (m *GetHistoryMessage) EncodeTo(w io.Writer) error {
	return WriteUint16(w, m.Limit)
}

func (m *GetHistoryMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Limit, err = ReadUint16(r)
		return err
	})
}

// PingMessage (0x13) - keepalive
type PingMessage struct {
	Timestamp int64
}

func (m *PingMessage) Type() uint8 { return TypePing }
func (m *PingMessage) command()    {}

func (m *PingMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Timestamp)
}

func (m *PingMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Timestamp, err = ReadInt64(r)
		return err
	})
}

// QuitMessage (0x14) - graceful disconnect
type QuitMessage struct{}

func (m *QuitMessage) Type() uint8                { return TypeQuit }
func (m *QuitMessage) command()                   {}
func (m *QuitMessage) EncodeTo(w io.Writer) error { return nil }
func (m *QuitMessage) Decode(payload []byte) error {
	return nil
}

// ============================================================================
// Server → Client
// ============================================================================

// WelcomeMessage (0x81) - handshake accepted
type WelcomeMessage struct {
	Identity string
	Room     string
	IsAdmin  bool
}

func (m *WelcomeMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Identity); err != nil {
		return err
	}
	if err := WriteString(w, m.Room); err != nil {
		return err
	}
	return WriteBool(w, m.IsAdmin)
}

func (m *WelcomeMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Identity, err = ReadString(r); err != nil {
			return err
		}
		if m.Room, err = ReadString(r); err != nil {
			return err
		}
		m.IsAdmin, err = ReadBool(r)
		return err
	})
}

// PowerResultMessage (0x82) - fourth power of a numeric handshake identity
type PowerResultMessage struct {
	Input  string
	Result string
}

func (m *PowerResultMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Input); err != nil {
		return err
	}
	return WriteString(w, m.Result)
}

func (m *PowerResultMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Input, err = ReadString(r); err != nil {
			return err
		}
		m.Result, err = ReadString(r)
		return err
	})
}

// SuccessMessage (0x83) - generic private acknowledgement
type SuccessMessage struct {
	Message string
}

func (m *SuccessMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Message)
}

func (m *SuccessMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Message, err = ReadString(r)
		return err
	})
}

// EchoMessage (0x84) - private derived views of the sender's own chat line
type EchoMessage struct {
	Upper    string
	Reversed string
	Length   uint32
}

func (m *EchoMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Upper); err != nil {
		return err
	}
	if err := WriteString(w, m.Reversed); err != nil {
		return err
	}
	return WriteUint32(w, m.Length)
}

func (m *EchoMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Upper, err = ReadString(r); err != nil {
			return err
		}
		if m.Reversed, err = ReadString(r); err != nil {
			return err
		}
		m.Length, err = ReadUint32(r)
		return err
	})
}

// ChatBroadcastMessage (0x85) - a chat line delivered to room members
type ChatBroadcastMessage struct {
	Room      string
	Sender    string
	Timestamp int64
	Text      string
}

func (m *ChatBroadcastMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Room); err != nil {
		return err
	}
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Timestamp); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *ChatBroadcastMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Room, err = ReadString(r); err != nil {
			return err
		}
		if m.Sender, err = ReadString(r); err != nil {
			return err
		}
		if m.Timestamp, err = ReadInt64(r); err != nil {
			return err
		}
		m.Text, err = ReadString(r)
		return err
	})
}

// PrivateDeliveryMessage (0x86) - a private message addressed to the receiver
type PrivateDeliveryMessage struct {
	Sender string
	Text   string
}

func (m *PrivateDeliveryMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *PrivateDeliveryMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Sender, err = ReadString(r); err != nil {
			return err
		}
		m.Text, err = ReadString(r)
		return err
	})
}

// NoticeMessage (0x87) - server broadcast notice (joins, departures, kicks, admin changes)
type NoticeMessage struct {
	Kind uint8
	Text string
}

func (m *NoticeMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.Kind); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *NoticeMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Kind, err = ReadUint8(r); err != nil {
			return err
		}
		m.Text, err = ReadString(r)
		return err
	})
}

// RoomChangedMessage (0x88) - the receiver is now in Room
type RoomChangedMessage struct {
	Room string
}

func (m *RoomChangedMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Room)
}

func (m *RoomChangedMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.Room, err = ReadString(r)
		return err
	})
}

// RoomInfo describes one room in a ROOM_LIST
type RoomInfo struct {
	Name    string
	Members uint32
}

// RoomListMessage (0x89)
type RoomListMessage struct {
	Rooms []RoomInfo
}

func (m *RoomListMessage) EncodeTo(w io.Writer) error {
	if len(m.Rooms) > 65535 {
		return ErrTooManyEntries
	}
	if err := WriteUint16(w, uint16(len(m.Rooms))); err != nil {
		return err
	}
	for _, room := range m.Rooms {
		if err := WriteString(w, room.Name); err != nil {
			return err
		}
		if err := WriteUint32(w, room.Members); err != nil {
			return err
		}
	}
	return nil
}

func (m *RoomListMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		count, err := ReadUint16(r)
		if err != nil {
			return err
		}
		m.Rooms = make([]RoomInfo, 0, count)
		for i := 0; i < int(count); i++ {
			var info RoomInfo
			if info.Name, err = ReadString(r); err != nil {
				return err
			}
			if info.Members, err = ReadUint32(r); err != nil {
				return err
			}
			m.Rooms = append(m.Rooms, info)
		}
		return nil
	})
}

// UserInfo describes one connected identity in a USER_LIST
type UserInfo struct {
	Identity string
	Room     string
	IsAdmin  bool
}

// UserListMessage (0x8A)
type UserListMessage struct {
	Users []UserInfo
}

func (m *UserListMessage) EncodeTo(w io.Writer) error {
	if len(m.Users) > 65535 {
		return ErrTooManyEntries
	}
	if err := WriteUint16(w, uint16(len(m.Users))); err != nil {
		return err
	}
	for _, u := range m.Users {
		if err := WriteString(w, u.Identity); err != nil {
			return err
		}
		if err := WriteString(w, u.Room); err != nil {
			return err
		}
		if err := WriteBool(w, u.IsAdmin); err != nil {
			return err
		}
	}
	return nil
}

func (m *UserListMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		count, err := ReadUint16(r)
		if err != nil {
			return err
		}
		m.Users = make([]UserInfo, 0, count)
		for i := 0; i < int(count); i++ {
			var u UserInfo
			if u.Identity, err = ReadString(r); err != nil {
				return err
			}
			if u.Room, err = ReadString(r); err != nil {
				return err
			}
			if u.IsAdmin, err = ReadBool(r); err != nil {
				return err
			}
			m.Users = append(m.Users, u)
		}
		return nil
	})
}

// LedgerUpdateMessage (0x8B) - result of a ledger operation, sent to the owner only
type LedgerUpdateMessage struct {
	Identity  string
	Operation string
	Amount    int64
	Balance   uint64
}

func (m *LedgerUpdateMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Identity); err != nil {
		return err
	}
	if err := WriteString(w, m.Operation); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Amount); err != nil {
		return err
	}
	return WriteUint64(w, m.Balance)
}

func (m *LedgerUpdateMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Identity, err = ReadString(r); err != nil {
			return err
		}
		if m.Operation, err = ReadString(r); err != nil {
			return err
		}
		if m.Amount, err = ReadInt64(r); err != nil {
			return err
		}
		m.Balance, err = ReadUint64(r)
		return err
	})
}

// LedgerEntry is one line of a ledger history log
type LedgerEntry struct {
	Timestamp int64
	Operation string
	Amount    int64
	Balance   uint64
}

// LedgerHistoryMessage (0x8C)
type LedgerHistoryMessage struct {
	Entries []LedgerEntry
}

func (m *LedgerHistoryMessage) EncodeTo(w io.Writer) error {
	if len(m.Entries) > 65535 {
		return ErrTooManyEntries
	}
	if err := WriteUint16(w, uint16(len(m.Entries))); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := WriteInt64(w, e.Timestamp); err != nil {
			return err
		}
		if err := WriteString(w, e.Operation); err != nil {
			return err
		}
		if err := WriteInt64(w, e.Amount); err != nil {
			return err
		}
		if err := WriteUint64(w, e.Balance); err != nil {
			return err
		}
	}
	return nil
}

func (m *LedgerHistoryMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		count, err := ReadUint16(r)
		if err != nil {
			return err
		}
		m.Entries = make([]LedgerEntry, 0, count)
		for i := 0; i < int(count); i++ {
			var e LedgerEntry
			if e.Timestamp, err = ReadInt64(r); err != nil {
				return err
			}
			if e.Operation, err = ReadString(r); err != nil {
				return err
			}
			if e.Amount, err = ReadInt64(r); err != nil {
				return err
			}
			if e.Balance, err = ReadUint64(r); err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		}
		return nil
	})
}

// PollOption is one option label with its current tally
type PollOption struct {
	Label string
	Votes uint64
}

// PollUpdateMessage (0x8D) - full state of one poll
type PollUpdateMessage struct {
	PollID  uint64
	Title   string
	Options []PollOption
}

func (m *PollUpdateMessage) EncodeTo(w io.Writer) error {
	if len(m.Options) > 255 {
		return ErrTooManyOptions
	}
	if err := WriteUint64(w, m.PollID); err != nil {
		return err
	}
	if err := WriteString(w, m.Title); err != nil {
		return err
	}
	if err := WriteUint8(w, uint8(len(m.Options))); err != nil {
		return err
	}
	for _, opt := range m.Options {
		if err := WriteString(w, opt.Label); err != nil {
			return err
		}
		if err := WriteUint64(w, opt.Votes); err != nil {
			return err
		}
	}
	return nil
}

func (m *PollUpdateMessage) Decode(payload []byte) error {
	return decodeWith(payload, m.decodeFrom)
}

func (m *PollUpdateMessage) decodeFrom(r *bytes.Reader) error {
	var err error
	if m.PollID, err = ReadUint64(r); err != nil {
		return err
	}
	if m.Title, err = ReadString(r); err != nil {
		return err
	}
	count, err := ReadUint8(r)
	if err != nil {
		return err
	}
	m.Options = make([]PollOption, 0, count)
	for i := 0; i < int(count); i++ {
		var opt PollOption
		if opt.Label, err = ReadString(r); err != nil {
			return err
		}
		if opt.Votes, err = ReadUint64(r); err != nil {
			return err
		}
		m.Options = append(m.Options, opt)
	}
	return nil
}

// PollListMessage (0x8E)
type PollListMessage struct {
	Polls []PollUpdateMessage
}

func (m *PollListMessage) EncodeTo(w io.Writer) error {
	if len(m.Polls) > 65535 {
		return ErrTooManyEntries
	}
	if err := WriteUint16(w, uint16(len(m.Polls))); err != nil {
		return err
	}
	for i := range m.Polls {
		if err := m.Polls[i].EncodeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *PollListMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		count, err := ReadUint16(r)
		if err != nil {
			return err
		}
		m.Polls = make([]PollUpdateMessage, count)
		for i := range m.Polls {
			if err := m.Polls[i].decodeFrom(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// HistoryLine is one remembered chat line
type HistoryLine struct {
	Sender    string
	Timestamp int64
	Text      string
}

// HistoryMessage (0x8F) - recent chat of one room
type HistoryMessage struct {
	Room  string
	Lines []HistoryLine
}

func (m *HistoryMessage) EncodeTo(w io.Writer) error {
	if len(m.Lines) > 65535 {
		return ErrTooManyEntries
	}
	if err := WriteString(w, m.Room); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(m.Lines))); err != nil {
		return err
	}
	for _, line := range m.Lines {
		if err := WriteString(w, line.Sender); err != nil {
			return err
		}
		if err := WriteInt64(w, line.Timestamp); err != nil {
			return err
		}
		if err := WriteString(w, line.Text); err != nil {
			return err
		}
	}
	return nil
}

func (m *HistoryMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.Room, err = ReadString(r); err != nil {
			return err
		}
		count, err := ReadUint16(r)
		if err != nil {
			return err
		}
		m.Lines = make([]HistoryLine, 0, count)
		for i := 0; i < int(count); i++ {
			var line HistoryLine
			if line.Sender, err = ReadString(r); err != nil {
				return err
			}
			if line.Timestamp, err = ReadInt64(r); err != nil {
				return err
			}
			if line.Text, err = ReadString(r); err != nil {
				return err
			}
			m.Lines = append(m.Lines, line)
		}
		return nil
	})
}

// PongMessage (0x90)
type PongMessage struct {
	ClientTimestamp int64
}

func (m *PongMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.ClientTimestamp)
}

func (m *PongMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.ClientTimestamp, err = ReadInt64(r)
		return err
	})
}

// ErrorMessage (0x91) - typed error, always private to the requester
type ErrorMessage struct {
	ErrorCode uint16
	Message   string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.ErrorCode, err = ReadUint16(r); err != nil {
			return err
		}
		m.Message, err = ReadString(r)
		return err
	})
}

// FileOfferMessage (0xA0) - header frame relayed once per transfer
type FileOfferMessage struct {
	TransferID string
	Sender     string
	FileName   string
	Size       int64
}

func (m *FileOfferMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.TransferID); err != nil {
		return err
	}
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.FileName); err != nil {
		return err
	}
	return WriteInt64(w, m.Size)
}

func (m *FileOfferMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.TransferID, err = ReadString(r); err != nil {
			return err
		}
		if m.Sender, err = ReadString(r); err != nil {
			return err
		}
		if m.FileName, err = ReadString(r); err != nil {
			return err
		}
		m.Size, err = ReadInt64(r)
		return err
	})
}

// FileDataMessage (0xA1) - one relayed data chunk
type FileDataMessage struct {
	TransferID string
	Data       []byte
}

func (m *FileDataMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.TransferID); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *FileDataMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.TransferID, err = ReadString(r); err != nil {
			return err
		}
		m.Data, err = ReadBytes(r)
		return err
	})
}

// FileEndMessage (0xA2) - relayed end-of-stream
type FileEndMessage struct {
	TransferID string
}

func (m *FileEndMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.TransferID)
}

func (m *FileEndMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		m.TransferID, err = ReadString(r)
		return err
	})
}

// FileCancelMessage (0xA3) - relayed cancellation; receivers discard partial data
type FileCancelMessage struct {
	TransferID string
	Reason     string
}

func (m *FileCancelMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.TransferID); err != nil {
		return err
	}
	return WriteString(w, m.Reason)
}

func (m *FileCancelMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.TransferID, err = ReadString(r); err != nil {
			return err
		}
		m.Reason, err = ReadString(r)
		return err
	})
}

// UploadResultMessage (0xA4) - final verdict sent to the uploader
type UploadResultMessage struct {
	TransferID string
	Status     uint8
	Received   int64
	Message    string
}

func (m *UploadResultMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.TransferID); err != nil {
		return err
	}
	if err := WriteUint8(w, m.Status); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Received); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *UploadResultMessage) Decode(payload []byte) error {
	return decodeWith(payload, func(r *bytes.Reader) error {
		var err error
		if m.TransferID, err = ReadString(r); err != nil {
			return err
		}
		if m.Status, err = ReadUint8(r); err != nil {
			return err
		}
		if m.Received, err = ReadInt64(r); err != nil {
			return err
		}
		m.Message, err = ReadString(r)
		return err
	})
}
