package sshd

import (
	"errors"

	"github.com/jpillora/sftpcloudfs/sftpfs"
	"github.com/jpillora/sftpcloudfs/xssh"
)

// sftpHandler serves the "sftp" subsystem from the session's backend
// connection.
func (s *Server) sftpHandler(sess *Session) xssh.SubsystemHandler {
	serve := func(xs *xssh.Session) error {
		fsys := sess.FS()
		if fsys == nil {
			return errors.New("not authenticated")
		}
		a := sftpfs.NewAdapter(fsys,
			sftpfs.WithLogger(sess.logger),
			sftpfs.WithRemote(sess.Remote.String()),
			sftpfs.WithMetrics(s.config.Metrics),
		)
		return sftpfs.Serve(xs.Channel, a)
	}
	return xssh.NewSFTPHandler(serve)
}
