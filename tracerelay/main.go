/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// tracerelay accepts producer connections on a local unix socket and
// forwards them to a downstream TCP tracing service, interposing a
// set_peer_identity frame that reflects the local peer's kernel
// credentials. The downstream service trusts that frame because the
// relay hop is the only non-unix path into it.
package main

import (
	"flag"
	"io"
	stdlog "log"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/comms"
	"github.com/gravwell/tracegrid/comms/log"
	"github.com/gravwell/tracegrid/version"
)

const (
	defaultListenSock = `/tmp/tracegrid-relay.sock`
	defaultPidFile    = `/tmp/tracegrid-relay.pid`
	backgroundEnv     = `TRACEGRID_RELAY_DAEMONIZED`
)

var (
	listenFlag   = flag.String("listen", defaultListenSock, "Local producer socket path")
	upstreamFlag = flag.String("upstream", "", "Downstream service host:port")
	bgFlag       = flag.Bool("background", false, "Detach and run in the background")
	verFlag      = flag.Bool("version", false, "Print version and exit")
	sockPerms    = flag.String("set-socket-permissions", "", "GROUP:OCTAL_MODE for the listening socket")
)

func main() {
	flag.Parse()
	if *verFlag {
		version.PrintVersion(os.Stdout)
		return
	}
	if *upstreamFlag == `` {
		stdlog.Fatal("missing -upstream host:port")
	}
	if *bgFlag && os.Getenv(backgroundEnv) == `` {
		daemonize()
		return
	}
	lg := log.NewStderrLogger()

	lock := flock.New(defaultPidFile)
	held, err := lock.TryLock()
	if err != nil || !held {
		lg.Fatalf("another relay instance holds %s", defaultPidFile)
	}
	defer lock.Unlock()
	os.WriteFile(defaultPidFile, []byte(strconv.Itoa(os.Getpid())), 0644)

	os.Remove(*listenFlag)
	ls, err := net.Listen(`unix`, *listenFlag)
	if err != nil {
		lg.Fatalf("listen %s: %v", *listenFlag, err)
	}
	defer os.Remove(*listenFlag)
	if *sockPerms != `` {
		if err = applySocketPermissions(*listenFlag, *sockPerms); err != nil {
			lg.Fatalf("socket permissions: %v", err)
		}
	}
	machineID := readMachineID()
	lg.Infof("relay up on %s, upstream %s", *listenFlag, *upstreamFlag)
	for {
		conn, err := ls.Accept()
		if err != nil {
			lg.Errorf("accept failed: %v", err)
			return
		}
		go relay(conn.(*net.UnixConn), *upstreamFlag, machineID, lg)
	}
}

// relay dials upstream, interposes the identity frame, then shuttles
// bytes both ways until either side closes.
func relay(local *net.UnixConn, upstream, machineID string, lg *log.Logger) {
	defer local.Close()
	uid, pid, err := peerCreds(local)
	if err != nil {
		lg.Errorf("peer creds: %v", err)
		return
	}
	remote, err := net.Dial(`tcp`, upstream)
	if err != nil {
		lg.Errorf("dial upstream: %v", err)
		return
	}
	defer remote.Close()
	idFrame, err := comms.EncodeFrame(&comms.Frame{
		SetPeerIdentity: &comms.SetPeerIdentity{
			PID:           int32(pid),
			UID:           int32(uid),
			MachineIDHint: machineID,
		},
	})
	if err != nil {
		lg.Errorf("identity frame: %v", err)
		return
	}
	if _, err = remote.Write(idFrame); err != nil {
		lg.Errorf("identity send: %v", err)
		return
	}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		remote.(*net.TCPConn).CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		local.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
}

func peerCreds(c *net.UnixConn) (uid, pid int, err error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return
	}
	var cred *unix.Ucred
	var gerr error
	err = raw.Control(func(fd uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err == nil {
		err = gerr
	}
	if err == nil {
		uid, pid = int(cred.Uid), int(cred.Pid)
	}
	return
}

func applySocketPermissions(path, spec string) error {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return os.ErrInvalid
	}
	grp, err := user.LookupGroup(parts[0])
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return err
	}
	mode, err := strconv.ParseUint(parts[1], 8, 32)
	if err != nil {
		return err
	}
	if err = os.Chown(path, -1, gid); err != nil {
		return err
	}
	return os.Chmod(path, os.FileMode(mode))
}

func readMachineID() string {
	if b, err := os.ReadFile(`/etc/machine-id`); err == nil {
		if id := strings.TrimSpace(string(b)); id != `` {
			return id
		}
	}
	return uuid.New().String()
}

// daemonize re-execs the relay detached from the controlling terminal.
func daemonize() {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), backgroundEnv+`=1`)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		stdlog.Fatalf("failed to background: %v", err)
	}
}
