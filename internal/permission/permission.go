// Package permission evaluates a tool call's patterns against a ruleset
// (allow/ask/deny), keyed by the session's agent mode.
package permission

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sacenox/symb-engine/internal/tools"
)

// Action is the ruleset outcome for one pattern.
type Action string

const (
	Allow Action = "allow"
	Ask   Action = "ask"
	Deny  Action = "deny"
)

// Mode is the session's agent mode.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// Rule maps a (permission name, pattern) pair to an action.
type Rule struct {
	PermissionName string
	Pattern        string
	Action         Action
}

// Ruleset is an ordered set of explicit rules layered over the mode default.
type Ruleset struct {
	rules []Rule
}

// NewRuleset builds a ruleset from explicit rules.
func NewRuleset(rules ...Rule) *Ruleset {
	return &Ruleset{rules: rules}
}

func (rs *Ruleset) lookup(permissionName, pattern string) (Action, bool) {
	for _, r := range rs.rules {
		if r.PermissionName == permissionName && r.Pattern == pattern {
			return r.Action, true
		}
	}
	return "", false
}

// BannedCommands are destructive or irreversible commands that are always
// denied regardless of mode.
var BannedCommands = []string{
	"rm -rf /", "sudo", "shutdown", "reboot", "dd if=", "mkfs", "mkfs.ext4",
	":(){ :|:& };:", "chmod -R 777 /",
}

// devServerPatterns match long-running commands that should not be run in
// the foreground without an explicit background/timeout opt-in.
var devServerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnpm\s+run\s+dev\b`),
	regexp.MustCompile(`(?i)\byarn\s+dev\b`),
	regexp.MustCompile(`(?i)\buvicorn\b`),
	regexp.MustCompile(`(?i)\bpython3?\s+-m\s+http\.server\b`),
	regexp.MustCompile(`(?i)\bflask\s+run\b`),
	regexp.MustCompile(`(?i)\brails\s+server\b`),
}

// gitPushRegex matches a "git push" invocation anywhere in a shell command,
// including when chained behind other commands.
var gitPushRegex = regexp.MustCompile(`(?i)\bgit\s+push\b`)

// shellMetacharacters force an approval prompt even in an otherwise-safe
// command, since they can chain in an unreviewed second command.
var shellMetacharacters = []string{";", "&&", "||", "|", "`", "$("}

// safeFirstTokens are commands allowed to carry metacharacters without
// forcing approval (e.g. a bare pipeline of read-only inspection tools).
var safeFirstTokens = map[string]bool{
	"ls": true, "cat": true, "grep": true, "find": true, "echo": true,
	"head": true, "tail": true, "wc": true, "pwd": true,
}

// Decision is the combined gate outcome for one tool call.
type Decision struct {
	Action    Action
	ErrorType string // set when Action == Deny
	Reason    string
}

// dominance orders actions from least to most restrictive so multiple
// pattern outcomes combine as deny > ask > allow.
var dominance = map[Action]int{Allow: 0, Ask: 1, Deny: 2}

// Evaluate starts from the mode default, lets the tool's explicit ruleset
// matches replace it (several matches combine as deny > ask > allow), then
// layers the shell-specific gates on top for command tools.
func Evaluate(rs *Ruleset, def tools.Definition, mode Mode, command string, workspaceRoot string, allowExternalPaths bool) Decision {
	return EvaluateWithOptions(rs, def, mode, command, workspaceRoot, allowExternalPaths, false)
}

// EvaluateWithOptions is Evaluate plus the config.Security.BlockGitPush gate,
// which denies "git push" shell invocations independent of every other
// pattern outcome.
func EvaluateWithOptions(rs *Ruleset, def tools.Definition, mode Mode, command string, workspaceRoot string, allowExternalPaths, blockGitPush bool) Decision {
	return EvaluateShellCall(rs, def, mode, ShellCall{Command: command}, workspaceRoot, allowExternalPaths, blockGitPush)
}

// ShellCall carries the parsed Bash tool arguments the shell-specific gates
// need beyond the raw command text: a caller that set Background or a
// positive Timeout has already opted into running something long-lived, and
// the dev-server gate below must see those fields directly rather than
// guess at caller intent by pattern-matching the command string.
type ShellCall struct {
	Command    string
	Background bool
	Timeout    int
}

// EvaluateShellCall is Evaluate with the full parsed shell call, so the
// long-running-command gate can check call.Background/call.Timeout instead
// of scanning command text for a literal substring.
func EvaluateShellCall(rs *Ruleset, def tools.Definition, mode Mode, call ShellCall, workspaceRoot string, allowExternalPaths, blockGitPush bool) Decision {
	action := Allow
	if def.Meta.RequiresApproval || !def.Meta.ReadOnly {
		if mode == ModePlan {
			action = Deny
		} else {
			action = Ask
		}
	}

	// Explicit ruleset entries replace the mode default outright rather than
	// merely escalating it: a configured "allow" must be able to silence the
	// build-mode "ask" default, not just lose to it. When a tool contributes
	// more than one pattern and more than one has an explicit rule, those
	// explicit outcomes combine as deny > ask > allow.
	matched := false
	for _, p := range def.Meta.PermissionPatterns {
		a, ok := rs.lookup(def.Meta.PermissionName, p.Value)
		if !ok {
			continue
		}
		if !matched || dominance[a] > dominance[action] {
			action = a
		}
		matched = true
	}

	if call.Command != "" {
		if d := evaluateShell(call, workspaceRoot, allowExternalPaths, blockGitPush); d.Action != Allow {
			if dominance[d.Action] >= dominance[action] {
				return d
			}
		}
	}

	return Decision{Action: action}
}

func evaluateShell(call ShellCall, workspaceRoot string, allowExternalPaths, blockGitPush bool) Decision {
	command := call.Command
	if blockGitPush && gitPushRegex.MatchString(command) {
		return Decision{Action: Deny, ErrorType: "git_push_blocked", Reason: "git push is blocked by security.block_git_push"}
	}

	for _, banned := range BannedCommands {
		if strings.Contains(command, banned) {
			return Decision{Action: Deny, ErrorType: "shell_command_blocked", Reason: "matches banned pattern: " + banned}
		}
	}

	if !allowExternalPaths {
		if p, ok := externalPathReference(command, workspaceRoot); ok {
			return Decision{Action: Deny, ErrorType: "external_paths_disabled", Reason: "references path outside workspace: " + p}
		}
	}

	for _, re := range devServerPatterns {
		if re.MatchString(command) && !call.Background && call.Timeout <= 0 {
			return Decision{Action: Ask, Reason: "looks like a long-running dev server; pass background=true or a timeout"}
		}
	}

	first := firstToken(command)
	if !safeFirstTokens[first] {
		for _, mc := range shellMetacharacters {
			if strings.Contains(command, mc) {
				return Decision{Action: Ask, Reason: "command contains shell metacharacter: " + mc}
			}
		}
	}

	return Decision{Action: Allow}
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// externalPathReference tokenizes command and reports the first token that,
// once home-expanded and resolved, falls outside workspaceRoot.
func externalPathReference(command, workspaceRoot string) (string, bool) {
	if workspaceRoot == "" {
		return "", false
	}
	for _, tok := range strings.Fields(command) {
		if !strings.HasPrefix(tok, "/") && !strings.HasPrefix(tok, "~/") && !strings.HasPrefix(tok, "../") {
			continue
		}
		abs := expandHome(tok)
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(workspaceRoot, abs)
		}
		rel, err := filepath.Rel(workspaceRoot, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return tok, true
		}
	}
	return "", false
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home := homeDir()
	if home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~/"))
}
