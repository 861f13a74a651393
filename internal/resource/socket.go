package resource

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/logger"
)

// listenFDsStart is the first descriptor systemd passes (SD_LISTEN_FDS_START).
const listenFDsStart = 3

// SocketManager hands out listeners, preferring ones passed in by systemd
// socket activation and binding fresh ones otherwise.
type SocketManager struct {
	mu sync.Mutex

	// Active listeners keyed by the address they were requested with
	listeners map[string]net.Listener

	// Activated but not yet claimed listeners
	inherited []net.Listener

	discovered bool
	fdStart    int
}

func NewSocketManager() *SocketManager {
	return &SocketManager{
		listeners: make(map[string]net.Listener),
		fdStart:   listenFDsStart,
	}
}

func isSocket(fd int) bool {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return false
	}
	return stat.Mode&unix.S_IFMT == unix.S_IFSOCK
}

func (sm *SocketManager) discoverActivated() {
	if sm.discovered {
		return
	}
	sm.discovered = true

	fds := os.Getenv(consts.EnvListenFDs)
	if fds == "" {
		return
	}
	pid := os.Getenv(consts.EnvListenPID)
	// The variables are only meant for us if LISTEN_PID names this process.
	os.Unsetenv(consts.EnvListenFDs)
	os.Unsetenv(consts.EnvListenPID)
	os.Unsetenv("LISTEN_FDNAMES")

	if pid != strconv.Itoa(os.Getpid()) {
		logger.Log.Warn("Socket activation: LISTEN_PID does not match, ignoring", "listen_pid", pid)
		return
	}
	count, err := strconv.Atoi(fds)
	if err != nil || count <= 0 {
		return
	}

	logger.Log.Info("Socket activation: Discovering passed sockets", "count", count)

	for i := 0; i < count; i++ {
		fd := sm.fdStart + i
		if !isSocket(fd) {
			logger.Log.Warn("Socket activation: FD is not a socket, skipping", "fd", fd)
			continue
		}
		unix.CloseOnExec(fd)

		f := os.NewFile(uintptr(fd), "listener")
		if f == nil {
			continue
		}
		// FileListener dups the descriptor; the original is no longer needed.
		l, err := net.FileListener(f)
		f.Close()
		if err != nil {
			logger.Log.Error("Socket activation: Failed to create listener from FD", "fd", fd, "err", err)
			continue
		}

		sm.inherited = append(sm.inherited, l)
		logger.Log.Info("Socket activation: Discovered socket", "addr", l.Addr().String(), "network", l.Addr().Network(), "fd", fd)
	}
}

// EnsureListener returns the listener for network ("tcp" or "unix") and addr,
// claiming an activated socket when one matches and binding a new one otherwise.
// Repeated calls with the same address return the same listener.
func (sm *SocketManager) EnsureListener(network, addr string) (net.Listener, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := network + "://" + addr
	if l, ok := sm.listeners[key]; ok {
		return l, nil
	}
	// A request like ":8080" is also satisfied by an earlier bind of the same port.
	for _, l := range sm.listeners {
		if matches(l.Addr(), network, addr) {
			sm.listeners[key] = l
			return l, nil
		}
	}

	sm.discoverActivated()

	for i, l := range sm.inherited {
		if matches(l.Addr(), network, addr) {
			logger.Log.Info("Socket activation: Claiming socket", "addr", addr)
			sm.inherited = append(sm.inherited[:i], sm.inherited[i+1:]...)
			sm.listeners[key] = l
			return l, nil
		}
	}

	logger.Log.Info("Cold Start: Binding new listener", "network", network, "addr", addr)
	if network == "unix" {
		// A stale socket file from an unclean exit blocks the bind.
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %s: %w", addr, err)
		}
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	sm.listeners[key] = l
	return l, nil
}

// Activated reports how many passed sockets are still unclaimed.
func (sm *SocketManager) Activated() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.discoverActivated()
	return len(sm.inherited)
}

func matches(have net.Addr, network, addr string) bool {
	switch network {
	case "unix":
		return have.Network() == "unix" && have.String() == addr
	case "tcp", "tcp4", "tcp6":
		if have.Network() != "tcp" {
			return false
		}
		if have.String() == addr {
			return true
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil || port == "0" {
			return false
		}
		hHost, hPort, err := net.SplitHostPort(have.String())
		if err != nil || hPort != port {
			return false
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			ip := net.ParseIP(hHost)
			return ip != nil && ip.IsUnspecified()
		}
		hIP, rIP := net.ParseIP(hHost), net.ParseIP(host)
		return hIP != nil && rIP != nil && hIP.Equal(rIP)
	default:
		return false
	}
}

func (sm *SocketManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	closed := make(map[net.Listener]bool)
	for _, l := range sm.listeners {
		if !closed[l] {
			l.Close()
			closed[l] = true
		}
	}
	sm.listeners = make(map[string]net.Listener)

	for _, l := range sm.inherited {
		l.Close()
	}
	sm.inherited = nil
}

// Personal.AI order the ending
