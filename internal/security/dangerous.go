package security

import "regexp"

// CommandMatch describes why a shell command was blocked.
type CommandMatch struct {
	Pattern     string `json:"pattern"`
	Explanation string `json:"explanation"`
	Suggestion  string `json:"suggestion,omitempty"`
}

type commandRule struct {
	re          *regexp.Regexp
	explanation string
	suggestion  string
}

// Dangerous command rules. Word boundaries and shell-metachar awareness matter:
// `rm -rf ./build` must pass while `rm -rf /` must not.
// Sources mirror the upstream deny list (OWASP Agentic AI Top 10, MITRE ATT&CK,
// PayloadsAllTheThings) plus the gateway's own state-dir protections.
var commandRules = []commandRule{
	{
		re:          regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(--no-preserve-root\s+)?("|')?(/|~|\$HOME)("|')?(\s|$)`),
		explanation: "recursive deletion targeting the filesystem root or home directory",
	},
	{
		re:          regexp.MustCompile(`\brm\s+.*--no-preserve-root`),
		explanation: "rm with --no-preserve-root",
	},
	{
		re:          regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`),
		explanation: "piping a network download into a shell",
		suggestion:  "download to a file, inspect it, then run it explicitly",
	},
	{
		re:          regexp.MustCompile(`\b(chmod|chown)\b\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)\S+\s+("|')?/("|')?(\s|$)`),
		explanation: "recursive permission/ownership change of the entire filesystem tree",
	},
	{
		re:          regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
		explanation: "fork bomb",
	},
	{
		re:          regexp.MustCompile(`>>?\s*/etc/(passwd|shadow)\b`),
		explanation: "write into /etc/passwd or /etc/shadow",
	},
	{
		re:          regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*("|')?\.?/?\.git\b`),
		explanation: "deleting the working tree's .git directory",
		suggestion:  "use git commands to rewrite history instead of removing .git",
	},
	{
		// Unquoted variable expansion as an rm target: rm -rf $DIR/ or rm $VAR.
		// An unset variable turns this into rm -rf / — require quoting.
		re:          regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*\$[A-Za-z_{][^"'\s]*/?(\s|$)`),
		explanation: "rm with an unquoted variable expansion",
		suggestion:  `quote the variable: rm -rf "${DIR:?}"/`,
	},
	{
		re:          regexp.MustCompile(`\b(ufw\s+disable|iptables\s+(-F|--flush)|systemctl\s+(stop|disable)\s+(firewalld|ufw|nftables))\b`),
		explanation: "disabling the firewall",
	},
	{
		re:          regexp.MustCompile(`\b(history\s+-c|>\s*~?/?\.(bash_history|zsh_history|history)\b|\brm\s+(-[a-zA-Z]*\s+)*~?/?\.(bash_history|zsh_history))`),
		explanation: "clearing shell history files",
	},
	{
		re:          regexp.MustCompile(`\bdd\s+if=\S+\s+of=/dev/(sd|nvme|vd|hd)`),
		explanation: "raw write to a block device",
	},
	{
		re:          regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
		explanation: "formatting a filesystem",
	},
}

// CheckCommand runs the dangerous-command detector over a shell command.
// Returns nil when the command is allowed, otherwise the first matching rule.
func CheckCommand(command string) *CommandMatch {
	for _, rule := range commandRules {
		if rule.re.MatchString(command) {
			return &CommandMatch{
				Pattern:     rule.re.String(),
				Explanation: rule.explanation,
				Suggestion:  rule.suggestion,
			}
		}
	}
	return nil
}
