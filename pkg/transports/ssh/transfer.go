package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// sftpClient opens an SFTP session over the shared connection.
func (c *Client) sftpClient(ctx context.Context) (*sftp.Client, error) {
	conn, err := c.conn(ctx, "sftp-init")
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: err, IsTemporary: true}
	}
	return client, nil
}

// UploadFile copies one local file to remotePath, keeping its permission bits.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) error {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create directory %s: %w", path.Dir(remotePath), err)}
	}
	_, err = uploadFile(client, localPath, remotePath, info.Mode().Perm())
	return err
}

// UploadDirectory recursively copies localDir to remoteDir and returns the
// number of files written. Existing remote files are overwritten.
func (c *Client) UploadDirectory(ctx context.Context, localDir, remoteDir string) (int, error) {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	start := time.Now()
	var files int
	var written int64

	err = filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			c.logger.Debug().Str("path", p).Msg("Skipping non-regular file")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := uploadFile(client, p, target, info.Mode().Perm())
		if err != nil {
			return err
		}
		files++
		written += n
		return nil
	})
	if err != nil {
		return files, &TransportError{Op: "upload-dir", Err: err}
	}

	c.logger.Info().
		Str("local", localDir).
		Str("remote", remoteDir).
		Int("files", files).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("Directory uploaded")
	return files, nil
}

func uploadFile(client *sftp.Client, localPath, remotePath string, mode os.FileMode) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return n, fmt.Errorf("failed to set mode on %s: %w", remotePath, err)
	}
	return n, nil
}
