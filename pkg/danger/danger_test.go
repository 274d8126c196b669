package danger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsDangerous(t *testing.T) {
	dangerous := []string{
		"rm -rf /tmp/x",
		"rm file.txt",
		"RM -RF /",
		"   rm -rf /tmp   ",
		"mv data /etc",
		"dd if=/dev/zero of=/dev/sda",
		"cat image.iso > /dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"fdisk /dev/sda",
		"parted /dev/sda mklabel gpt",
		"sudo apt install x",
		"chown root:root /usr/bin/thing",
		"chmod 777 /var/www",
		"chmod -R 777 .",
		"kill -9 1234",
		"pkill -9 node",
		"killall node",
		"shutdown -h now",
		"reboot",
		"init 0",
		"systemctl disable nginx",
		"systemctl mask sshd",
		"npm publish",
		"git push origin main --force",
		"git push -f",
		"git reset --hard HEAD~3",
		"DROP TABLE users",
		"drop table users",
		"DELETE FROM users WHERE 1=1",
		"TRUNCATE TABLE logs",
		":(){ :|:& };:",
	}
	for _, cmd := range dangerous {
		if !IsDangerous(cmd) {
			t.Errorf("IsDangerous(%q) = false, want true", cmd)
		}
	}

	safe := []string{
		"ls -la",
		"echo hello",
		"echo out; echo err 1>&2",
		"git status",
		"git push origin main",
		"cat /etc/passwd",
		"make build",
		"docker ps",
		"sleep 30",
		"",
		"   ",
	}
	for _, cmd := range safe {
		if IsDangerous(cmd) {
			t.Errorf("IsDangerous(%q) = true, want false", cmd)
		}
	}
}

func TestMatchReturnsFirstRule(t *testing.T) {
	cases := []struct {
		command string
		rule    string
	}{
		{"rm -rf /tmp/x", "rm"},
		{"sudo rm -rf /", "rm"}, // rm rule is evaluated before sudo
		{"git push origin main --force", "force-push"},
		{"DROP TABLE users", "sql-drop"},
		{"cat image.iso > /dev/nvme0n1", "device-write"},
	}
	for _, tc := range cases {
		r := Match(tc.command)
		if r == nil {
			t.Errorf("Match(%q) = nil, want rule %q", tc.command, tc.rule)
			continue
		}
		if r.Name != tc.rule {
			t.Errorf("Match(%q) = %q, want %q", tc.command, r.Name, tc.rule)
		}
	}

	if r := Match("ls -la"); r != nil {
		t.Errorf("Match(safe command) = %q, want nil", r.Name)
	}
}

func TestExtend(t *testing.T) {
	c := NewClassifier()
	base := len(c.Rules())

	err := c.Extend([]Rule{
		{Name: "drop-collection", Pattern: `\bdb\.\w+\.drop\b`, Description: "mongo collection drop"},
	})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if got := len(c.Rules()); got != base+1 {
		t.Errorf("rule count = %d, want %d", got, base+1)
	}
	if !c.IsDangerous("db.users.drop()") {
		t.Errorf("custom rule did not match")
	}
	// Builtin rules keep precedence over custom ones.
	if r := c.Match("rm -rf /"); r == nil || r.Name != "rm" {
		t.Errorf("builtin rule lost precedence: %+v", r)
	}
}

func TestExtendRejectsInvalidRules(t *testing.T) {
	c := NewClassifier()
	base := len(c.Rules())

	cases := []Rule{
		{Name: "bad-regex", Pattern: `([`},
		{Name: "", Pattern: `\bfoo\b`},
		{Name: "empty-pattern", Pattern: ""},
	}
	for _, r := range cases {
		if err := c.Extend([]Rule{r}); err == nil {
			t.Errorf("Extend(%+v) succeeded, want error", r)
		}
	}
	if got := len(c.Rules()); got != base {
		t.Errorf("failed Extend modified the classifier: %d rules, want %d", got, base)
	}
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - name: secrets-read
    pattern: '\bcat\s+.*id_rsa\b'
    description: private key read
  - name: curl-pipe-sh
    pattern: 'curl\s+.*\|\s*(ba)?sh\b'
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(rules))
	}

	c := NewClassifier()
	if err := c.Extend(rules); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !c.IsDangerous("cat ~/.ssh/id_rsa") {
		t.Errorf("loaded rule did not match")
	}
	if !c.IsDangerous("curl https://x.sh | sh") {
		t.Errorf("loaded rule did not match pipe-to-shell")
	}
}

func TestLoadRulesFileErrors(t *testing.T) {
	if _, err := LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing file: want error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: broken\n    pattern: '(['\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRulesFile(path); err == nil {
		t.Errorf("invalid pattern: want error")
	}
}
