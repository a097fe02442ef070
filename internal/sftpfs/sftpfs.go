// Package sftpfs provides the bounded, read-only remote filesystem
// access the key scanner and log parser need (spec.md §4.3): stat,
// list a directory, read a whole small file, or tail the last N bytes
// of a large one. Everything goes over SFTP so a malicious filename or
// file content is never interpreted by a remote shell.
package sftpfs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrNotExist is returned (wrapping the underlying sftp error) when a
// path does not exist on the remote host, distinguished from other
// I/O failures so callers can treat "file absent" as a normal outcome
// rather than a scan error (spec.md §4.3, §7).
var ErrNotExist = os.ErrNotExist

// DefaultMaxReadBytes bounds a single whole-file read (spec.md §6,
// FILE_MAX_READ_BYTES).
const DefaultMaxReadBytes = 10 * 1024 * 1024

// FS wraps one SFTP session over an already-established SSH
// connection. Callers obtain the *ssh.Client from internal/sshpool.
type FS struct {
	client *sftp.Client
}

// Open creates a new SFTP session over conn. The caller owns conn's
// lifetime (released back to the pool); Close only tears down the
// SFTP subsystem.
func Open(conn *ssh.Client) (*FS, error) {
	c, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftpfs: open session: %w", err)
	}
	return &FS{client: c}, nil
}

// Close ends the SFTP subsystem session.
func (f *FS) Close() error {
	return f.client.Close()
}

// Stat returns remote file metadata, or ErrNotExist if path is absent.
func (f *FS) Stat(path string) (os.FileInfo, error) {
	info, err := f.client.Stat(path)
	if err != nil {
		return nil, translateErr(path, err)
	}
	return info, nil
}

// Exists reports whether path exists, without otherwise failing the
// caller's scan if it doesn't.
func (f *FS) Exists(path string) (bool, error) {
	_, err := f.Stat(path)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListDir lists the entries of a remote directory.
func (f *FS) ListDir(path string) ([]os.FileInfo, error) {
	infos, err := f.client.ReadDir(path)
	if err != nil {
		return nil, translateErr(path, err)
	}
	return infos, nil
}

// ReadFile reads the whole file at path, bounded by maxBytes (0 means
// DefaultMaxReadBytes).
func (f *FS) ReadFile(path string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReadBytes
	}
	rf, err := f.client.Open(path)
	if err != nil {
		return nil, translateErr(path, err)
	}
	defer rf.Close()

	lr := io.LimitReader(rf, maxBytes)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("sftpfs: read %q: %w", path, err)
	}
	return data, nil
}

// ReadFileTail reads up to maxBytes from the end of the file at path,
// for incremental log scans of files too large to read whole
// (spec.md §4.2/§4.3). If the file is smaller than maxBytes, the whole
// file is returned.
func (f *FS) ReadFileTail(path string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReadBytes
	}
	rf, err := f.client.Open(path)
	if err != nil {
		return nil, translateErr(path, err)
	}
	defer rf.Close()

	info, err := rf.Stat()
	if err != nil {
		return nil, fmt.Errorf("sftpfs: stat %q: %w", path, err)
	}

	size := info.Size()
	var offset int64
	if size > maxBytes {
		offset = size - maxBytes
	}
	if offset > 0 {
		if _, err := rf.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("sftpfs: seek %q: %w", path, err)
		}
	}

	data, err := io.ReadAll(rf)
	if err != nil {
		return nil, fmt.Errorf("sftpfs: read tail %q: %w", path, err)
	}
	return data, nil
}

// translateErr normalises "file does not exist" across pkg/sftp
// versions: recent releases make *sftp.StatusError satisfy
// errors.Is(err, os.ErrNotExist) directly; os.IsNotExist is kept as a
// belt-and-braces fallback.
func translateErr(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) || os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return fmt.Errorf("sftpfs: %s: %w", path, err)
}
