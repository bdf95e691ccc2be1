package tools

import "strings"

// Classification is a name-based guess at a tool's side effects.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassReadOnly
	ClassDestructive
)

func (c Classification) String() string {
	switch c {
	case ClassReadOnly:
		return "read-only"
	case ClassDestructive:
		return "destructive"
	default:
		return "unknown"
	}
}

// destructiveWords mark a tool as destructive for mutation policy gating.
var destructiveWords = []string{"delete", "remove", "write", "create", "update", "modify"}

// mutatingWords block a read-only classification without making a tool
// destructive.
var mutatingWords = []string{
	"execute", "run", "set", "post", "put", "patch", "send", "invoke",
	"start", "stop", "kill", "terminate", "restart", "install", "uninstall",
	"enable", "disable", "add", "drop", "truncate", "clear", "reset",
	"apply", "deploy", "publish", "submit", "approve", "reject",
	"lock", "unlock", "grant", "revoke", "move", "rename", "copy", "edit",
}

var readOnlyWords = []string{
	"read", "get", "list", "search", "view", "show", "describe",
	"fetch", "query", "find", "lookup", "grep", "info", "status",
	"count", "exists", "is_", "has_", "can_", "validate", "tree",
}

// IsDestructiveName reports whether name contains delete, remove, write,
// create, update or modify, case-insensitively.
func IsDestructiveName(name string) bool {
	return containsAny(strings.ToLower(name), destructiveWords)
}

// Classify applies destructive words first, then mutating, then read-only.
func Classify(name string) Classification {
	lower := strings.ToLower(name)
	switch {
	case containsAny(lower, destructiveWords):
		return ClassDestructive
	case containsAny(lower, mutatingWords):
		return ClassUnknown
	case containsAny(lower, readOnlyWords):
		return ClassReadOnly
	}
	return ClassUnknown
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
