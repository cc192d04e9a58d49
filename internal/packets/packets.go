// Command codes and protocol enums for the SMOP protocol.
package packets

// Command is a SMOP packet command code. Server-originated packets have the
// configured server offset added to the code before it hits the wire.
type Command = byte

const (
	Ping             Command = 0x00
	PingR            Command = 0x01
	Hello            Command = 0x02
	GameStartRequest Command = 0x03
	GameOverNotify   Command = 0x04
	GameStatusUpdate Command = 0x05
	StyleUpdate      Command = 0x06
	ChatMessage      Command = 0x07
	RequestSongGame  Command = 0x08
	UpdateUserList   Command = 0x09
	ScreenChange     Command = 0x0A
	PlayerOptions    Command = 0x0B
	SMOnline         Command = 0x0C
	Formatted        Command = 0x0D
	Attack           Command = 0x0E
)

// Sub-commands multiplexed under the SMOnline command.
const (
	SMOnlineLogin      = 0x00
	SMOnlineJoinRoom   = 0x01
	SMOnlineCreateRoom = 0x02
)

// Login reply statuses for the SMOnline login sub-command.
const (
	LoginSuccess = 0
	LoginFailure = 1
)

// Screen is the client screen reported through ScreenChange packets.
type Screen byte

const (
	ScreenBlack Screen = iota
	ScreenLobby
	ScreenRoom
	ScreenGame
	ScreenEvaluation
	ScreenOptions
)

// Grade is an SMOP play grade. Lower values are better; AAAA is a perfect
// play and E is a failing one.
type Grade byte

const (
	GradeAAAA Grade = iota
	GradeAAA
	GradeAA
	GradeA
	GradeB
	GradeC
	GradeD
	GradeE
)

// Note is a note judgment category reported in GameStatusUpdate packets.
// The ordering matters: categories below NoteW3 count against a full
// combo, NoteMiss and above are judged taps, and categories from NoteW5
// up contribute to the SMO score weighted by their distance from NoteMiss.
type Note byte

const (
	NoteNone Note = iota
	NoteHitMine
	NoteAvoidMine
	NoteMiss
	NoteW5
	NoteW4
	NoteW3 // "Great"
	NoteW2 // "Perfect"
	NoteW1 // "Marvelous"

	NumNotes
)

// Difficulty of the chart a player is playing, reported in the
// GameStartRequest payload.
type Difficulty byte

const (
	DifficultyBeginner Difficulty = iota
	DifficultyEasy
	DifficultyMedium
	DifficultyHard
	DifficultyExpert
)

// RoomStatus indicates whether a room is accepting players or mid-song.
type RoomStatus byte

const (
	RoomOpen RoomStatus = iota
	RoomClosed
)

// Leaderboard column IDs pushed via GameStatusUpdate at song start.
const (
	StatusColumnPositions = 0
	StatusColumnCombo     = 1
	StatusColumnGrade     = 2
)
