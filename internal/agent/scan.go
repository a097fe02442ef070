package agent

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jsherman999/keyspider/internal/agentwire"
	"github.com/jsherman999/keyspider/internal/fingerprint"
)

// scanLocalKeys walks the configured authorized_keys/identity/host-key
// globs on the local filesystem, the agent's equivalent of
// keyscanner.ScanServer's remote SFTP walk. It never reads private key
// material, only the public files sshd itself consults.
func scanLocalKeys(cfg *Config) []agentwire.KeyLocation {
	seen := make(map[string]bool)
	var out []agentwire.KeyLocation

	for _, glob := range cfg.AuthorizedKeysGlobs {
		for _, p := range expandGlob(glob) {
			out = append(out, scanKeyFile(p, "authorized_keys", true, seen)...)
		}
	}
	for _, glob := range cfg.IdentityFileGlobs {
		for _, p := range expandGlob(glob) {
			out = append(out, scanKeyFile(p, "identity", false, seen)...)
		}
	}
	for _, p := range cfg.HostKeyPaths {
		out = append(out, scanKeyFile(p, "host_key", false, seen)...)
	}

	return out
}

func expandGlob(pattern string) []string {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	return matches
}

// scanKeyFile reads path and parses each non-blank, non-comment line as
// a public key. Absence of the file is not an error — most accounts on
// most hosts have no authorized_keys at all.
func scanKeyFile(path, fileType string, hasOptions bool, seen map[string]bool) []agentwire.KeyLocation {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	mtime := info.ModTime()
	owner, perms := ownerAndPerms(info)

	var out []agentwire.KeyLocation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var key *fingerprint.Key
		var parseErr error
		if hasOptions {
			key, parseErr = fingerprint.Parse(line)
		} else {
			key, parseErr = fingerprint.ParseBare(line)
		}
		if parseErr != nil {
			continue
		}

		dedupeKey := path + "|" + key.FingerprintSHA256
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true

		out = append(out, agentwire.KeyLocation{
			FilePath:          path,
			FileType:          fileType,
			UnixOwner:         owner,
			UnixPerms:         perms,
			FileMtime:         &mtime,
			FileSize:          info.Size(),
			FingerprintSHA256: key.FingerprintSHA256,
			FingerprintMD5:    key.FingerprintMD5,
			KeyType:           string(key.Type),
			KeyBits:           key.Bits,
			Comment:           key.Comment,
			IsHostKey:         fileType == "host_key",
		})
	}
	return out
}

// ownerAndPerms mirrors keyscanner.ownerAndPerms but reads the local
// os.FileInfo's Sys() as a *syscall.Stat_t instead of an sftp.FileStat,
// since this file was never fetched over SFTP.
func ownerAndPerms(info os.FileInfo) (owner, perms string) {
	perms = fmt.Sprintf("%04o", info.Mode().Perm())
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		owner = fmt.Sprintf("uid:%d", st.Uid)
	}
	return owner, perms
}
