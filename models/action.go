package models

// Action is the single outcome of evaluating a message.
type Action int

const (
	ActionNone Action = iota
	ActionBlock
	ActionWarn
	ActionRequired
	ActionShort
	ActionDuplicate
	ActionAllow
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionBlock:
		return "BLOCK"
	case ActionWarn:
		return "WARN"
	case ActionRequired:
		return "REQUIRED"
	case ActionShort:
		return "SHORT"
	case ActionDuplicate:
		return "DUPLICATE"
	case ActionAllow:
		return "ALLOW"
	}
	return "UNKNOWN"
}

// Removes reports whether the action deletes the triggering content.
func (a Action) Removes() bool {
	switch a {
	case ActionBlock, ActionRequired, ActionShort, ActionDuplicate:
		return true
	}
	return false
}

// RuleType is the heading shown to the author in the notice embed.
func (a Action) RuleType() string {
	switch a {
	case ActionBlock:
		return "Forbidden Content"
	case ActionWarn:
		return "Content Warning"
	case ActionRequired:
		return "Missing Required Content"
	case ActionShort:
		return "Post Too Short"
	case ActionDuplicate:
		return "Duplicate Post"
	}
	return ""
}

// Decision is the result of the rule pipeline. Reason is empty for None and Allow.
type Decision struct {
	Action Action
	Reason string
}
