package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// createSFTPClient creates a new SFTP client on the current connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// Upload writes src to remotePath on the remote host. The content is hashed
// while it is written so callers can verify what landed.
func (c *SSHClient) Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) (*FileTransferResult, error) {
	result := &FileTransferResult{StartedAt: time.Now()}

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Str("mode", mode.String()).
		Msg("uploading file")

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return result, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return result, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return result, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote file: %w", err),
		}
	}

	hash := sha256.New()
	written, err := copyWithContext(ctx, remoteFile, io.TeeReader(src, hash))
	closeErr := remoteFile.Close()
	result.BytesTransferred = written
	if err != nil {
		return result, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: ctx.Err() == nil,
			IsTimeout:   ctx.Err() == context.DeadlineExceeded,
		}
	}
	if closeErr != nil {
		return result, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to finish remote file: %w", closeErr),
			IsTemporary: true,
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return result, &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to set file permissions: %w", err),
			}
		}
	}

	result.Checksum = hex.EncodeToString(hash.Sum(nil))
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	log.Info().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded successfully")

	return result, nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
