package keyscanner

import (
	"strings"
	"testing"
)

func TestParsePasswd_LinuxStyle(t *testing.T) {
	data := []byte(strings.Join([]string{
		"root:x:0:0:root:/root:/bin/bash",
		"deploy:x:1001:1001:Deploy User:/home/deploy:/bin/bash",
		"nobody:x:65534:65534:nobody:/nonexistent:/usr/sbin/nologin",
	}, "\n"))

	accounts := parsePasswd(data)
	if len(accounts) != 3 {
		t.Fatalf("got %d accounts, want 3", len(accounts))
	}
	if accounts[1].Username != "deploy" || accounts[1].HomeDir != "/home/deploy" {
		t.Errorf("account[1] = %+v", accounts[1])
	}
}

func TestParsePasswd_SkipsMalformedLines(t *testing.T) {
	data := []byte(strings.Join([]string{
		"root:x:0:0:root:/root:/bin/bash",
		"not-enough-fields:x:1",
		"",
	}, "\n"))

	accounts := parsePasswd(data)
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1 (malformed line skipped)", len(accounts))
	}
}
