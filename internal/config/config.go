// Package config holds the CLI configuration types.
package config

// Role represents the user's chosen side of the call.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleCallee   Role = "callee"
	RoleLoopback Role = "loopback" // both sides in one process, for demos
)

// Config stores all parameters gathered from flags or the interactive
// prompts.
type Config struct {
	Role      Role
	SignalURL string // signald base URL or a mongodb:// connection string
	ChannelID string // Callee: the call identifier shared by the caller
	AudioOnly bool   // skip video capture
	Debug     bool
}
