// Package activation picks up sockets passed by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3 (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Socket is an activated listening socket and the name systemd gave it
// (FileDescriptorName= in the .socket unit, or the unit name by default).
type Socket struct {
	Name     string
	Listener net.Listener
}

// environment describes the descriptors systemd handed to this process
type environment struct {
	count int
	names []string
}

// readEnvironment returns an empty environment when socket activation is
// absent or addressed to another process.
func readEnvironment() (environment, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return environment{}, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return environment{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return environment{}, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return environment{}, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return environment{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n <= 0 {
		return environment{}, nil
	}

	env := environment{count: n}
	if names := os.Getenv("LISTEN_FDNAMES"); names != "" {
		env.names = strings.Split(names, ":")
	}
	return env, nil
}

// name returns the name of the i-th descriptor; unnamed descriptors are
// reported as "unknown", as systemd does.
func (e environment) name(i int) string {
	if i < len(e.names) && e.names[i] != "" {
		return e.names[i]
	}
	return "unknown"
}

// index picks the descriptor to serve on: the one called name, or the
// first one when name is empty.
func (e environment) index(name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	for i := 0; i < e.count; i++ {
		if e.name(i) == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no activated socket named %q (got %s)", name, strings.Join(e.allNames(), ", "))
}

func (e environment) allNames() []string {
	out := make([]string, e.count)
	for i := range out {
		out[i] = e.name(i)
	}
	return out
}

// Sockets returns the systemd-activated sockets, or nil when the process
// was not socket activated.
func Sockets() ([]Socket, error) {
	env, err := readEnvironment()
	if err != nil || env.count == 0 {
		return nil, err
	}

	sockets := make([]Socket, 0, env.count)
	for i := 0; i < env.count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+env.name(i))
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own dup of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Name: env.name(i), Listener: listener})
	}

	// Child processes (git) must not believe they were activated
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listener returns the activated socket called name (any socket when name
// is empty) and closes the others. It returns nil, nil without socket
// activation.
func Listener(name string) (net.Listener, error) {
	env, err := readEnvironment()
	if err != nil || env.count == 0 {
		return nil, err
	}
	idx, err := env.index(name)
	if err != nil {
		return nil, err
	}

	sockets, err := Sockets()
	if err != nil {
		return nil, err
	}
	for i, s := range sockets {
		if i != idx {
			_ = s.Listener.Close()
		}
	}
	return sockets[idx].Listener, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
