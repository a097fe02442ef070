// Package keyscanner enumerates the local accounts on a server and
// scans each account's authorized_keys, identity, and host key files
// over SFTP, turning what it finds into model.SSHKey/model.KeyLocation
// rows (spec.md §4.5). It never executes a remote command; every file
// read goes through internal/sftpfs.
package keyscanner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/jsherman999/keyspider/internal/fingerprint"
	"github.com/jsherman999/keyspider/internal/model"
	"github.com/jsherman999/keyspider/internal/sftpfs"
)

// HostKeyPaths are the well-known locations of a Linux sshd's own host
// keys (step 4 of spec.md §4.5).
var HostKeyPaths = []string{
	"/etc/ssh/ssh_host_rsa_key.pub",
	"/etc/ssh/ssh_host_ed25519_key.pub",
	"/etc/ssh/ssh_host_ecdsa_key.pub",
}

// authorizedKeysNames are the filenames sshd consults for a user's
// authorized keys, in the order sshd itself checks them.
var authorizedKeysNames = []string{"authorized_keys", "authorized_keys2"}

// identityFileNames are private-key-adjacent public key files found in
// ~/.ssh that imply an outbound trust relationship (step 3).
var identityFileNames = []string{"id_rsa.pub", "id_ed25519.pub", "id_ecdsa.pub", "id_dsa.pub"}

// Account is one row recovered from /etc/passwd.
type Account struct {
	Username string
	UID      int
	HomeDir  string
	Shell    string
}

// nologinShells are the shells that mark an account as unable to log
// in interactively; accounts with these shells are skipped during
// enumeration (§4.5 step 1 wants accounts with a valid shell and
// $HOME, not every passwd row).
var nologinShells = map[string]bool{
	"":                  true,
	"/sbin/nologin":     true,
	"/usr/sbin/nologin": true,
	"/bin/false":        true,
	"/usr/bin/false":    true,
}

func hasValidShell(shell string) bool {
	return !nologinShells[shell]
}

// Finding is one parsed key together with where it was found.
type Finding struct {
	Key      *fingerprint.Key
	Path     string
	FileType model.FileType
	Username string
	FileMtime *time.Time
	FileSize int64
	UnixOwner string
	UnixPerms string
}

// Result is the outcome of scanning one server.
type Result struct {
	Findings []Finding
	// Errors records individual file read failures (other than
	// not-exists, which is expected and silent) keyed by path, so a
	// single unreadable file doesn't abort the whole server scan.
	Errors map[string]error
}

// ScanServer enumerates accounts from /etc/passwd and scans each
// account's authorized_keys/identity files, plus the host's own host
// keys. Deduplicates findings by (path, fingerprint) since the same
// key can legitimately appear once per name sshd accepts
// (authorized_keys and authorized_keys2 both present, say) and callers
// persist on (server, path, fingerprint).
func ScanServer(fs *sftpfs.FS) (*Result, error) {
	res := &Result{Errors: make(map[string]error)}
	seen := make(map[string]bool)

	passwdData, err := fs.ReadFile("/etc/passwd", 0)
	if err != nil {
		return nil, fmt.Errorf("keyscanner: read /etc/passwd: %w", err)
	}
	accounts := parsePasswd(passwdData)

	for _, acct := range accounts {
		if acct.HomeDir == "" || !hasValidShell(acct.Shell) {
			continue
		}
		sshDir := path.Join(acct.HomeDir, ".ssh")

		for _, name := range authorizedKeysNames {
			p := path.Join(sshDir, name)
			scanKeyFile(fs, p, model.FileAuthorizedKeys, acct.Username, true, res, seen)
		}
		for _, name := range identityFileNames {
			p := path.Join(sshDir, name)
			scanKeyFile(fs, p, model.FileIdentity, acct.Username, false, res, seen)
		}
	}

	for _, p := range HostKeyPaths {
		scanKeyFile(fs, p, model.FileHostKey, "", false, res, seen)
	}

	return res, nil
}

// scanKeyFile reads path and parses each line as a key (authorized_keys
// semantics allow per-line options; identity/host key files are bare).
// Absence of the file is not an error.
func scanKeyFile(fs *sftpfs.FS, p string, ft model.FileType, username string, hasOptions bool, res *Result, seen map[string]bool) {
	info, err := fs.Stat(p)
	if err != nil {
		if isNotExist(err) {
			return
		}
		res.Errors[p] = err
		return
	}
	if info.IsDir() {
		return
	}

	data, err := fs.ReadFile(p, 0)
	if err != nil {
		res.Errors[p] = err
		return
	}

	mtime := info.ModTime()
	owner, perms := ownerAndPerms(info)

	scanner := bufio.NewScanner(bytes.NewReader(data))
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

		dedupeKey := p + "|" + key.FingerprintSHA256
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true

		res.Findings = append(res.Findings, Finding{
			Key:       key,
			Path:      p,
			FileType:  ft,
			Username:  username,
			FileMtime: &mtime,
			FileSize:  info.Size(),
			UnixOwner: owner,
			UnixPerms: perms,
		})
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, sftpfs.ErrNotExist)
}

// parsePasswd parses the colon-delimited /etc/passwd format shared by
// Linux and AIX: username:passwd:uid:gid:gecos:home:shell.
func parsePasswd(data []byte) []Account {
	var accounts []Account
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		accounts = append(accounts, Account{
			Username: fields[0],
			UID:      uid,
			HomeDir:  fields[5],
			Shell:    fields[6],
		})
	}
	return accounts
}

// ownerAndPerms extracts a best-effort owner and octal permission
// string from remote file info. The sftp.FileStat Sys() value carries
// numeric uid/gid only (no local name resolution is possible against a
// remote host), so UnixOwner is rendered as "uid:<n>"; UnixPerms is the
// standard octal mode string.
func ownerAndPerms(info os.FileInfo) (owner, perms string) {
	perms = fmt.Sprintf("%04o", info.Mode().Perm())
	if fs, ok := info.Sys().(*sftp.FileStat); ok {
		owner = fmt.Sprintf("uid:%d", fs.UID)
	}
	return owner, perms
}
