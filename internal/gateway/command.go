// Package gateway routes inbound channel messages: managed slash and
// control commands are handled directly, everything else is forwarded
// to the turn engine.
package gateway

import "strings"

// Kind separates read-only slash commands from privileged control
// commands.
type Kind int

const (
	// KindSlash commands read state and format it for the user.
	KindSlash Kind = iota
	// KindControl commands mutate session state or runtime policy.
	KindControl
)

// Invocation is a detected managed command.
type Invocation struct {
	// Path is the dotted command path, e.g. "session.status".
	Path string
	// Display is the canonical slash form, e.g. "/session status".
	Display string
	// Args are the remaining tokens in original case.
	Args []string
	// JSON is set when the trailing "json" token asked for JSON output.
	JSON bool
	Kind Kind
}

// ArgText joins the remaining tokens back into one prompt string.
func (inv *Invocation) ArgText() string {
	return strings.Join(inv.Args, " ")
}

// Arg returns the i-th argument lowercased, or "".
func (inv *Invocation) Arg(i int) string {
	if i >= len(inv.Args) {
		return ""
	}
	return strings.ToLower(inv.Args[i])
}

// sessionSubcommands classifies /session subtree entries. Missing
// entries are unknown subcommands; the router replies with usage.
var sessionSubcommands = map[string]Kind{
	"status":    KindSlash,
	"budget":    KindSlash,
	"memory":    KindSlash,
	"feedback":  KindSlash,
	"partition": KindControl,
	"admin":     KindControl,
	"inject":    KindControl,
}

// jsonCapable lists the paths that honor a trailing "json" token.
var jsonCapable = map[string]bool{
	"help":             true,
	"session.status":   true,
	"session.budget":   true,
	"session.memory":   true,
	"session.feedback": true,
	"jobs":             true,
	"job":              true,
	"feedback":         true,
}

// Detect parses text into a managed command invocation. Detection is
// tokenized and case-insensitive on the command path; argument tokens
// keep their original case. Unmanaged text (including unknown slash
// commands) returns ok=false and flows to the model.
func Detect(text string) (inv *Invocation, ok bool) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, false
	}
	head := tokens[0]
	if len(head) < 2 || head[0] != '/' {
		return nil, false
	}

	name := strings.ToLower(head[1:])
	args := tokens[1:]

	switch name {
	case "help", "jobs", "job", "bg", "feedback":
		inv = &Invocation{Path: name, Display: "/" + name, Args: args, Kind: KindSlash}
	case "reset", "clear":
		inv = &Invocation{Path: name, Display: "/" + name, Args: args, Kind: KindControl}
	case "resume":
		inv = &Invocation{Path: name, Display: "/" + name, Args: args, Kind: KindControl}
	case "session":
		sub := "status"
		if len(args) > 0 {
			sub = strings.ToLower(args[0])
			args = args[1:]
		}
		kind, known := sessionSubcommands[sub]
		if !known {
			// Still managed: reply with usage instead of calling
			// the model with a half-typed command.
			kind = KindSlash
		}
		inv = &Invocation{
			Path:    "session." + sub,
			Display: "/session " + sub,
			Args:    args,
			Kind:    kind,
		}
	default:
		return nil, false
	}

	if jsonCapable[inv.Path] && len(inv.Args) > 0 {
		if strings.ToLower(inv.Args[len(inv.Args)-1]) == "json" {
			inv.JSON = true
			inv.Args = inv.Args[:len(inv.Args)-1]
		}
	}
	return inv, true
}
