package bootstrap

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/worker"
)

// DefaultWorkerPath is the conventional location of the worker binary on the
// remote host, relative to the login home directory.
const DefaultWorkerPath = ".dsync/dsync"

// workerVersion queries the deployed worker binary. An execution failure
// (missing binary, wrong arch) returns ok=false rather than an error: the
// caller's answer is "deploy".
func workerVersion(client *ssh.Client, workerPath string) (string, bool) {
	sess, err := client.NewSession()
	if err != nil {
		return "", false
	}
	defer sess.Close()

	out, err := sess.Output(shellQuote(workerPath) + " " + worker.VersionFlag)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

// deployWorker uploads the local executable to workerPath via SFTP, writing
// to a temp name and renaming so a concurrent start never sees a partial
// binary.
func deployWorker(client *ssh.Client, workerPath string) error {
	self, err := os.Executable()
	if err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "locate own binary")
	}
	src, err := os.Open(self)
	if err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "open own binary")
	}
	defer src.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "start sftp subsystem")
	}
	defer ftp.Close()

	if dir := path.Dir(workerPath); dir != "." && dir != "/" {
		if err := ftp.MkdirAll(dir); err != nil {
			return errkind.Wrap(errkind.RemoteError, err, "create worker directory")
		}
	}

	tmpPath := workerPath + ".deploy"
	dst, err := ftp.Create(tmpPath)
	if err != nil {
		return errkind.Wrap(errkind.RemoteError, err, "create remote binary")
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		ftp.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return errkind.Wrap(errkind.TransportLost, err, "upload worker binary")
	}
	if err := dst.Close(); err != nil {
		ftp.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return errkind.Wrap(errkind.RemoteError, err, "finish upload")
	}

	if err := ftp.Chmod(tmpPath, 0755); err != nil {
		return errkind.Wrap(errkind.RemoteError, err, "chmod worker binary")
	}
	if err := ftp.PosixRename(tmpPath, workerPath); err != nil {
		// Fall back for servers without the posix-rename extension.
		ftp.Remove(workerPath) //nolint:errcheck // target may not exist
		if err := ftp.Rename(tmpPath, workerPath); err != nil {
			return errkind.Wrap(errkind.RemoteError, err, "install worker binary")
		}
	}
	return nil
}

// shellQuote wraps a path for safe inclusion in a remote command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
