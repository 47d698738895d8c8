package permission

import (
	"testing"

	"github.com/sacenox/symb-engine/internal/tools"
)

func readOnlyDef() tools.Definition {
	return tools.Definition{ID: "read", Name: "read", Meta: tools.Metadata{ReadOnly: true, PermissionName: "read"}}
}

func mutatingDef() tools.Definition {
	return tools.Definition{ID: "edit", Name: "edit", Meta: tools.Metadata{PermissionName: "edit", PermissionPatterns: []tools.Pattern{{Type: tools.PatternPath, Value: "*"}}}}
}

// shellDef is marked ReadOnly so its mode-default baseline is Allow; that
// isolates the shell-specific gate layer (evaluateShell) under test from the
// mode-default Ask every real mutating tool also carries.
func shellDef() tools.Definition {
	return tools.Definition{ID: "bash", Name: "bash", Meta: tools.Metadata{Category: "shell", PermissionName: "bash", ReadOnly: true}}
}

func TestEvaluateModeDefaults(t *testing.T) {
	rs := NewRuleset()

	if d := Evaluate(rs, readOnlyDef(), ModePlan, "", "", false); d.Action != Allow {
		t.Errorf("read-only tool in plan mode = %v, want allow", d.Action)
	}
	if d := Evaluate(rs, mutatingDef(), ModePlan, "", "", false); d.Action != Deny {
		t.Errorf("mutating tool in plan mode = %v, want deny", d.Action)
	}
	if d := Evaluate(rs, mutatingDef(), ModeBuild, "", "", false); d.Action != Ask {
		t.Errorf("mutating tool in build mode = %v, want ask", d.Action)
	}
}

func TestEvaluateRulesetOverridesDefault(t *testing.T) {
	rs := NewRuleset(Rule{PermissionName: "edit", Pattern: "*", Action: Allow})
	if d := Evaluate(rs, mutatingDef(), ModeBuild, "", "", false); d.Action != Allow {
		t.Errorf("explicit allow rule = %v, want allow", d.Action)
	}

	denyRS := NewRuleset(Rule{PermissionName: "edit", Pattern: "*", Action: Deny})
	if d := Evaluate(denyRS, mutatingDef(), ModeBuild, "", "", false); d.Action != Deny {
		t.Errorf("explicit deny rule = %v, want deny (deny dominates)", d.Action)
	}
}

func TestEvaluateShellBannedCommands(t *testing.T) {
	rs := NewRuleset()
	tests := []string{
		"rm -rf /",
		"sudo rm -rf /tmp",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
	}
	for _, cmd := range tests {
		d := Evaluate(rs, shellDef(), ModeBuild, cmd, "/workspace", false)
		if d.Action != Deny {
			t.Errorf("command %q = %v, want deny", cmd, d.Action)
		}
	}
}

func TestEvaluateShellExternalPathGate(t *testing.T) {
	rs := NewRuleset()
	d := Evaluate(rs, shellDef(), ModeBuild, "cat /etc/passwd", "/workspace", false)
	if d.Action != Deny || d.ErrorType != "external_paths_disabled" {
		t.Errorf("external path reference = %+v, want deny/external_paths_disabled", d)
	}

	d = Evaluate(rs, shellDef(), ModeBuild, "cat /etc/passwd", "/workspace", true)
	if d.Action == Deny {
		t.Errorf("external path reference with allowExternalPaths = %+v, want not denied", d)
	}

	d = Evaluate(rs, shellDef(), ModeBuild, "cat ./src/main.go", "/workspace", false)
	if d.Action == Deny {
		t.Errorf("workspace-relative path = %+v, want not denied", d)
	}
}

func TestEvaluateShellDevServerHeuristic(t *testing.T) {
	rs := NewRuleset()
	d := Evaluate(rs, shellDef(), ModeBuild, "npm run dev", "", false)
	if d.Action != Ask {
		t.Errorf("npm run dev = %v, want ask", d.Action)
	}
	d = EvaluateShellCall(rs, shellDef(), ModeBuild, ShellCall{Command: "npm run dev", Background: true}, "", false, false)
	if d.Action != Allow {
		t.Errorf("npm run dev with background=true = %v, want allow", d.Action)
	}
	d = EvaluateShellCall(rs, shellDef(), ModeBuild, ShellCall{Command: "npm run dev", Timeout: 120}, "", false, false)
	if d.Action != Allow {
		t.Errorf("npm run dev with timeout = %v, want allow", d.Action)
	}
}

func TestEvaluateShellMetacharactersForceAsk(t *testing.T) {
	rs := NewRuleset()
	d := Evaluate(rs, shellDef(), ModeBuild, "npm install && rm -rf node_modules", "", false)
	if d.Action != Ask {
		t.Errorf("chained command = %v, want ask", d.Action)
	}
	d = Evaluate(rs, shellDef(), ModeBuild, "ls -la | grep foo", "", false)
	if d.Action != Allow {
		t.Errorf("safe first token with pipe = %v, want allow", d.Action)
	}
}

func TestEvaluateShellBlockGitPush(t *testing.T) {
	rs := NewRuleset()
	d := EvaluateWithOptions(rs, shellDef(), ModeBuild, "git push origin main", "", false, true)
	if d.Action != Deny || d.ErrorType != "git_push_blocked" {
		t.Errorf("git push with blockGitPush = %+v, want deny/git_push_blocked", d)
	}

	d = EvaluateWithOptions(rs, shellDef(), ModeBuild, "git push origin main", "", false, false)
	if d.Action == Deny {
		t.Errorf("git push without blockGitPush = %+v, want not denied by the git gate", d)
	}

	d = EvaluateWithOptions(rs, shellDef(), ModeBuild, "git status", "", false, true)
	if d.Action == Deny {
		t.Errorf("git status with blockGitPush = %+v, want not denied", d)
	}
}
