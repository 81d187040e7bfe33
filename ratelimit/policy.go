package ratelimit

import "time"

// Actions with a default policy.
const (
	ActionLogin              = "login"
	ActionRegister           = "register"
	ActionMessageSend        = "message-send"
	ActionMediaURL           = "media-url"
	ActionConversationCreate = "conversation-create"
	ActionWSTyping           = "ws-typing"
	ActionWSReaction         = "ws-reaction"
	ActionWSConnect          = "ws-connect"
)

// An IdentifierKind says what a policy counts requests by.
type IdentifierKind int

const (
	// ByIP counts by client address, for unauthenticated actions.
	ByIP IdentifierKind = iota
	// ByUser counts by authenticated user id.
	ByUser
)

// A Policy is the ceiling of one action class.
type Policy struct {
	Action     string
	Max        int
	Window     time.Duration
	Identifier IdentifierKind
}

// Policies maps actions to their policy.
type Policies map[string]Policy

// DefaultPolicies returns the built-in ceilings.
func DefaultPolicies() Policies {
	return Policies{
		ActionLogin:              {Action: ActionLogin, Max: 5, Window: time.Minute, Identifier: ByIP},
		ActionRegister:           {Action: ActionRegister, Max: 5, Window: time.Minute, Identifier: ByIP},
		ActionMessageSend:        {Action: ActionMessageSend, Max: 60, Window: time.Minute, Identifier: ByUser},
		ActionMediaURL:           {Action: ActionMediaURL, Max: 20, Window: time.Minute, Identifier: ByUser},
		ActionConversationCreate: {Action: ActionConversationCreate, Max: 10, Window: time.Minute, Identifier: ByUser},
		ActionWSTyping:           {Action: ActionWSTyping, Max: 30, Window: time.Minute, Identifier: ByUser},
		ActionWSReaction:         {Action: ActionWSReaction, Max: 30, Window: time.Minute, Identifier: ByUser},
		ActionWSConnect:          {Action: ActionWSConnect, Max: 10, Window: time.Minute, Identifier: ByIP},
	}
}

// Override replaces max and window of an action. Zero values keep the
// existing setting. Unknown actions are added as user-keyed policies.
func (p Policies) Override(action string, max int, window time.Duration) {
	cur, ok := p[action]
	if !ok {
		cur = Policy{Action: action, Identifier: ByUser}
	}
	if max > 0 {
		cur.Max = max
	}
	if window > 0 {
		cur.Window = window
	}
	p[action] = cur
}

// Get returns the policy of an action.
func (p Policies) Get(action string) (Policy, bool) {
	pol, ok := p[action]
	return pol, ok
}
