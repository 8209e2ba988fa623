package xssh

// SFTPServer serves the SFTP protocol on a session channel until the peer
// goes away.
type SFTPServer func(sess *Session) error

// NewSFTPHandler creates a new SFTP subsystem handler.
// Register this as the handler for the "sftp" subsystem.
func NewSFTPHandler(serve SFTPServer) SubsystemHandler {
	return func(sess *Session, req *Request) error {
		sess.conn.debugf("SFTP subsystem request accepted")
		go startSFTPServer(sess, serve)
		return nil
	}
}

// startSFTPServer runs serve and closes the channel when it returns.
func startSFTPServer(sess *Session, serve SFTPServer) {
	defer sess.Channel.Close()
	if err := serve(sess); err != nil {
		sess.conn.debugf("SFTP server error: %s", err)
	} else {
		sess.conn.debugf("SFTP server exited normally")
	}
}
