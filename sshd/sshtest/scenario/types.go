// Package scenario provides data types and YAML parsing for SCP transcript
// scenarios: a store seeded with objects, then exec requests with their raw
// input and the expected output, exit status and resulting objects.
package scenario

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scenario describes a test scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Users maps user names to passwords. Defaults to DefaultUser.
	Users map[string]string `yaml:"users"`
	// Objects seeds the store, path to contents.
	Objects map[string]string `yaml:"objects"`
	// Dirs seeds empty directories.
	Dirs  []string `yaml:"dirs"`
	Steps []Step   `yaml:"steps"`
}

// DefaultUser and DefaultPassword are used when a scenario names no users.
const (
	DefaultUser     = "alice"
	DefaultPassword = "secret"
)

// Step is one exec request.
type Step struct {
	User   string `yaml:"user"`
	Exec   string `yaml:"exec"`
	Input  Chunks `yaml:"input"`
	Expect Expect `yaml:"expect"`
}

// Chunks is stream input, given either as one string or a list of
// strings that are written to the channel one at a time.
type Chunks []string

// String joins the chunks.
func (c Chunks) String() string {
	return strings.Join(c, "")
}

// Bytes returns each chunk as a separate write.
func (c Chunks) Bytes() [][]byte {
	out := make([][]byte, len(c))
	for i, s := range c {
		out[i] = []byte(s)
	}
	return out
}

// Expect describes the outcome of a step.
type Expect struct {
	// Output is the exact byte stream written by the server, if set.
	Output *string `yaml:"output"`
	// Contains must appear in the output.
	Contains string `yaml:"contains"`
	// Exit is the expected exit status.
	Exit int `yaml:"exit"`
	// Rejected expects the exec request itself to be refused.
	Rejected bool `yaml:"rejected"`
	// Objects must exist with exactly these contents afterwards.
	Objects map[string]string `yaml:"objects"`
	// Missing must not exist afterwards.
	Missing []string `yaml:"missing"`
}

// UserPassword returns the credentials for a step.
func (sc *Scenario) UserPassword(step Step) (string, string, error) {
	users := sc.Users
	if len(users) == 0 {
		users = map[string]string{DefaultUser: DefaultPassword}
	}
	user := step.User
	if user == "" {
		if _, ok := users[DefaultUser]; ok {
			user = DefaultUser
		} else {
			names := make([]string, 0, len(users))
			for name := range users {
				names = append(names, name)
			}
			sort.Strings(names)
			user = names[0]
		}
	}
	pass, ok := users[user]
	if !ok {
		return "", "", fmt.Errorf("unknown user %q", user)
	}
	return user, pass, nil
}

// Predefined event IDs.
const (
	EventServerStarted = "server.started"
	EventServerStopped = "server.stopped"
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventAuthFailure   = "auth.failure"
	EventExecStarted   = "exec.started"
	EventExecRejected  = "exec.rejected"
	EventExecCompleted = "exec.completed"
	EventSFTPStarted   = "sftp.started"
)

// Event represents something that happened during the test.
type Event struct {
	ID        string
	Timestamp time.Time
	Attrs     map[string]string
}

// Matches checks if this event matches the given ID and key-value pairs.
func (e Event) Matches(id string, attrs ...string) bool {
	if e.ID != id || len(attrs)%2 != 0 {
		return false
	}
	for i := 0; i < len(attrs); i += 2 {
		if e.Attrs[attrs[i]] != attrs[i+1] {
			return false
		}
	}
	return true
}

// String returns the event ID and its sorted attributes.
func (e Event) String() string {
	if len(e.Attrs) == 0 {
		return e.ID
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + e.Attrs[k]
	}
	return e.ID + "{" + strings.Join(pairs, ", ") + "}"
}

// ScenarioError provides detailed error context for scenario failures.
type ScenarioError struct {
	Scenario string
	StepNum  int
	Exec     string
	Err      error
}

func (e *ScenarioError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "scenario %q failed at step %d", e.Scenario, e.StepNum+1)
	if e.Exec != "" {
		fmt.Fprintf(&sb, "\n  exec: %s", e.Exec)
	}
	fmt.Fprintf(&sb, "\n  error: %s", e.Err)
	return sb.String()
}

func (e *ScenarioError) Unwrap() error {
	return e.Err
}
