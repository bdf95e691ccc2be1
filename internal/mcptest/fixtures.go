package mcptest

// DefaultConfig returns a minimal working fake server configuration.
func DefaultConfig() FakeServerConfig {
	return FakeServerConfig{
		Tools: []Tool{
			{Name: "read_file", Description: "Read a file from disk"},
			{Name: "write_file", Description: "Write content to a file"},
		},
	}
}

// EchoToolsConfig returns a config that echoes tool calls back as text.
func EchoToolsConfig() FakeServerConfig {
	return FakeServerConfig{
		Tools: []Tool{
			{Name: "echo", Description: "Echo the input back"},
			{Name: "delete_item", Description: "Delete an item"},
		},
		EchoToolCalls: true,
	}
}

// FullConfig advertises tools, resources and prompts.
func FullConfig() FakeServerConfig {
	cfg := EchoToolsConfig()
	cfg.Resources = []Resource{
		{URI: "file:///notes.txt", Name: "notes", MimeType: "text/plain", Text: "remember the milk"},
	}
	cfg.Prompts = []Prompt{
		{Name: "review", Description: "Review code", Text: "Please review"},
	}
	return cfg
}

// SessionExpiryConfig fails the first call of method with a session error.
func SessionExpiryConfig(method string) FakeServerConfig {
	cfg := FullConfig()
	cfg.FailOnAttempt = map[string]int{method: 1}
	cfg.FailMessage = "session not found"
	return cfg
}

// VersionRestrictedConfig accepts only the given protocol versions.
func VersionRestrictedConfig(versions ...string) FakeServerConfig {
	cfg := DefaultConfig()
	cfg.AcceptVersions = versions
	return cfg
}

// ErrorOnInitConfig returns a config that rejects initialize.
func ErrorOnInitConfig(code int, message string) FakeServerConfig {
	return FakeServerConfig{
		Errors: map[string]JSONRPCError{
			"initialize": {Code: code, Message: message},
		},
	}
}

// NoisyStreamConfig interleaves invalid lines, notifications and stray
// responses ahead of every real reply.
func NoisyStreamConfig() FakeServerConfig {
	cfg := DefaultConfig()
	cfg.Malformed = true
	cfg.SendNotificationBeforeResponse = true
	cfg.SendMismatchedIDFirst = true
	return cfg
}
