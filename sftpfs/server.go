package sftpfs

import (
	"errors"
	"io"

	"github.com/pkg/sftp"
)

// Serve runs an SFTP request server for a on rwc until the peer goes away.
// An abrupt disconnect is a normal end of session.
func Serve(rwc io.ReadWriteCloser, a *Adapter) error {
	server := sftp.NewRequestServer(rwc, a.Handlers(), sftp.WithStartDirectory("/"))
	defer server.Close()
	a.logger.Debug("sftp session started", "remote", a.remote)
	err := server.Serve()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	if err != nil {
		a.logger.Debug("sftp session error", "remote", a.remote, "error", err)
	} else {
		a.logger.Debug("sftp session ended", "remote", a.remote)
	}
	return err
}
