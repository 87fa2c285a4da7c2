/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package comms

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/base"
)

type SockState int

const (
	StateDisconnected SockState = iota
	StateConnecting
	StateConnected
	StateListening
)

const maxAncillaryBytes = 256

var (
	ErrSockClosed  = errors.New("socket is closed")
	ErrTruncated   = errors.New("message truncated")
	ErrBadSockAddr = errors.New("bad socket address")
)

// SockEventListener receives the async state transitions of a Sock. Every
// transition produces exactly one callback, delivered in order on the
// sock's task runner.
type SockEventListener interface {
	OnNewIncomingConnection(ls *Sock, conn *Sock)
	OnConnect(s *Sock, connected bool)
	OnDisconnect(s *Sock)
	OnDataAvailable(s *Sock)
}

// Sock is a non-blocking stream socket (AF_UNIX or AF_INET) bound to a
// task runner. Unix sockets capture kernel peer credentials at accept
// time and retain them after disconnect.
type Sock struct {
	mtx     sync.Mutex
	fd      int
	tr      *base.TaskRunner
	lis     SockEventListener
	state   SockState
	isUnix  bool
	path    string //listening unix path, unlinked on close
	peerUID int
	peerPID int
}

// ListenSock creates a listening socket. An addr containing a colon is
// a TCP host:port; anything else is a unix path (stale paths are
// unlinked first).
func ListenSock(addr string, lis SockEventListener, tr *base.TaskRunner) (*Sock, error) {
	fd, sa, isUnix, err := makeSockaddr(addr)
	if err != nil {
		return nil, err
	}
	if isUnix {
		os.Remove(addr)
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s := &Sock{fd: fd, tr: tr, lis: lis, state: StateListening, isUnix: isUnix, peerUID: -1, peerPID: -1}
	if isUnix {
		s.path = addr
	}
	if err = tr.AddFDWatch(fd, s.onReadable); err != nil {
		s.closeFD()
		return nil, err
	}
	return s, nil
}

// ConnectSock starts an async connect; the listener observes the result
// through OnConnect.
func ConnectSock(addr string, lis SockEventListener, tr *base.TaskRunner) (*Sock, error) {
	fd, sa, isUnix, err := makeSockaddr(addr)
	if err != nil {
		return nil, err
	}
	s := &Sock{fd: fd, tr: tr, lis: lis, state: StateConnecting, isUnix: isUnix, peerUID: -1, peerPID: -1}
	err = unix.Connect(fd, sa)
	switch err {
	case nil, unix.EISCONN:
		s.finishConnect(true)
	case unix.EINPROGRESS, unix.EAGAIN:
		go s.awaitConnect()
	default:
		s.tr.PostTask(func() {
			s.mtx.Lock()
			s.state = StateDisconnected
			s.mtx.Unlock()
			s.closeFD()
			lis.OnConnect(s, false)
			lis.OnDisconnect(s)
		})
	}
	return s, nil
}

func (s *Sock) awaitConnect() {
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	for {
		if _, err := unix.Poll(pfd, -1); err == unix.EINTR {
			continue
		}
		break
	}
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	s.finishConnect(err == nil && soerr == 0)
}

func (s *Sock) finishConnect(ok bool) {
	s.tr.PostTask(func() {
		s.mtx.Lock()
		if s.state != StateConnecting {
			s.mtx.Unlock()
			return
		}
		if !ok {
			s.state = StateDisconnected
			s.mtx.Unlock()
			s.closeFD()
			s.lis.OnConnect(s, false)
			s.lis.OnDisconnect(s)
			return
		}
		s.state = StateConnected
		s.mtx.Unlock()
		s.tr.AddFDWatch(s.fd, s.onReadable)
		s.lis.OnConnect(s, true)
	})
}

func (s *Sock) onReadable() {
	s.mtx.Lock()
	st := s.state
	s.mtx.Unlock()
	switch st {
	case StateListening:
		s.acceptPending()
	case StateConnected:
		s.lis.OnDataAvailable(s)
	}
}

func (s *Sock) acceptPending() {
	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		conn := &Sock{fd: nfd, tr: s.tr, lis: s.lis, state: StateConnected, isUnix: s.isUnix, peerUID: -1, peerPID: -1}
		if s.isUnix {
			if cred, err := unix.GetsockoptUcred(nfd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
				conn.peerUID = int(cred.Uid)
				conn.peerPID = int(cred.Pid)
			}
		}
		s.lis.OnNewIncomingConnection(s, conn)
		s.tr.AddFDWatch(nfd, conn.onReadable)
	}
}

// Receive reads into buf, returning any file descriptors passed as
// SCM_RIGHTS ancillary data; the caller owns them. Truncation of either
// channel shuts the socket down.
func (s *Sock) Receive(buf []byte) (int, []int, error) {
	s.mtx.Lock()
	if s.state != StateConnected {
		s.mtx.Unlock()
		return 0, nil, ErrSockClosed
	}
	fd := s.fd
	s.mtx.Unlock()
	oob := make([]byte, maxAncillaryBytes)
	n, oobn, flags, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil, nil
		}
		s.Shutdown(true)
		return 0, nil, err
	}
	var fds []int
	if oobn > 0 {
		if msgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
			for _, m := range msgs {
				if got, err := unix.ParseUnixRights(&m); err == nil {
					fds = append(fds, got...)
				}
			}
		}
	}
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 {
		for _, f := range fds {
			unix.Close(f)
		}
		s.Shutdown(true)
		return 0, nil, ErrTruncated
	}
	if n == 0 {
		//EOF
		for _, f := range fds {
			unix.Close(f)
		}
		s.Shutdown(true)
		return 0, nil, ErrSockClosed
	}
	return n, fds, nil
}

// Send writes data, passing any fds as SCM_RIGHTS on the first segment.
// Blocks briefly on EAGAIN rather than buffering internally.
func (s *Sock) Send(data []byte, fds ...int) error {
	s.mtx.Lock()
	if s.state != StateConnected {
		s.mtx.Unlock()
		return ErrSockClosed
	}
	fd := s.fd
	s.mtx.Unlock()
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	for len(data) > 0 {
		n, err := unix.SendmsgN(fd, data, oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EAGAIN || err == unix.EINTR {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			unix.Poll(pfd, 1000)
			continue
		}
		if err != nil {
			s.Shutdown(true)
			return err
		}
		data = data[n:]
		oob = nil
	}
	return nil
}

// Shutdown closes the socket; when notify is set an OnDisconnect
// callback is posted on the task runner.
func (s *Sock) Shutdown(notify bool) {
	s.mtx.Lock()
	if s.state == StateDisconnected {
		s.mtx.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mtx.Unlock()
	s.tr.RemoveFDWatch(s.fd)
	s.closeFD()
	if notify {
		s.tr.PostTask(func() { s.lis.OnDisconnect(s) })
	}
}

func (s *Sock) closeFD() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	if s.path != `` {
		os.Remove(s.path)
		s.path = ``
	}
}

func (s *Sock) State() SockState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

func (s *Sock) IsUnix() bool { return s.isUnix }

// PeerUID returns the kernel-reported peer uid, or the adopted identity
// on non-unix transports; -1 when unknown. Retained after disconnect.
func (s *Sock) PeerUID() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.peerUID
}

func (s *Sock) PeerPID() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.peerPID
}

// AdoptPeerIdentity installs a self-reported identity; only meaningful
// on non-unix transports, where the kernel offers none.
func (s *Sock) AdoptPeerIdentity(uid, pid int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.peerUID = uid
	s.peerPID = pid
}

func makeSockaddr(addr string) (fd int, sa unix.Sockaddr, isUnix bool, err error) {
	if strings.Contains(addr, ":") {
		host, portS, serr := net.SplitHostPort(addr)
		if serr != nil {
			err = ErrBadSockAddr
			return
		}
		port, serr := strconv.Atoi(portS)
		if serr != nil {
			err = ErrBadSockAddr
			return
		}
		ip := net.ParseIP(host)
		if host == `` {
			ip = net.IPv4zero
		}
		ip4 := ip.To4()
		if ip4 == nil {
			err = ErrBadSockAddr
			return
		}
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return
		}
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
		return
	}
	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return
	}
	sa = &unix.SockaddrUnix{Name: addr}
	isUnix = true
	return
}
