package event

import "strings"

// A Class identifies one broadcast channel family. Every class has its own
// channel naming scheme and its own subscriber loop.
type Class string

const (
	ClassMessage       Class = "messages"
	ClassMessageUpdate Class = "message-updates"
	ClassReaction      Class = "reactions"
	ClassTyping        Class = "typing"
	ClassSeen          Class = "seen"
	ClassGroupEvent    Class = "group-events"
	ClassUnread        Class = "unread"
)

// Classes lists every event class in a stable order.
var Classes = []Class{
	ClassMessage,
	ClassMessageUpdate,
	ClassReaction,
	ClassTyping,
	ClassSeen,
	ClassGroupEvent,
	ClassUnread,
}

// scopeSep separates the parts of a channel name. Scope ids must not contain it.
const scopeSep = ":"

type layout struct {
	prefix string
	suffix string
}

var layouts = map[Class]layout{
	ClassMessage:       {prefix: "conversation:", suffix: ":messages"},
	ClassMessageUpdate: {prefix: "conversation:", suffix: ":message-updates"},
	ClassReaction:      {prefix: "conversation:", suffix: ":reactions"},
	ClassTyping:        {prefix: "conversation:", suffix: ":typing"},
	ClassSeen:          {prefix: "conversation:", suffix: ":seen"},
	ClassGroupEvent:    {prefix: "conversation:", suffix: ":group-events"},
	ClassUnread:        {prefix: "unread:user:", suffix: ":updates"},
}

// UserScoped reports whether channels of the class are addressed to a single
// user rather than to a conversation.
func (c Class) UserScoped() bool {
	return c == ClassUnread
}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	_, ok := layouts[c]
	return ok
}

// Channel returns the channel name for the class and scope id, for example
// conversation:42:typing. It returns an empty string for an unknown class.
func Channel(c Class, scopeID string) string {
	l, ok := layouts[c]
	if !ok {
		return ""
	}
	return l.prefix + scopeID + l.suffix
}

// Pattern returns the wildcard subscription pattern matching every channel of
// the class.
func Pattern(c Class) string {
	return Channel(c, "*")
}

// ScopeID recovers the scope id from a channel name of the given class. It
// returns false when the channel does not belong to the class or the scope
// part is empty or contains a separator.
func ScopeID(c Class, channel string) (string, bool) {
	l, ok := layouts[c]
	if !ok {
		return "", false
	}
	if len(channel) < len(l.prefix)+len(l.suffix) {
		return "", false
	}
	if !strings.HasPrefix(channel, l.prefix) || !strings.HasSuffix(channel, l.suffix) {
		return "", false
	}
	id := channel[len(l.prefix) : len(channel)-len(l.suffix)]
	if id == "" || strings.Contains(id, scopeSep) {
		return "", false
	}
	return id, true
}

// A Message is one delivery from the broker: the concrete channel it was
// published on and the serialized envelope.
type Message struct {
	Channel string
	Payload []byte
}
