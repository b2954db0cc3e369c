package commands

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

type jumpHost struct {
	user string
	host string
	port int
}

// parseJumpHost parses [user@]host[:port]. The user defaults to
// defaultUser and the port to 22.
func parseJumpHost(s, defaultUser string) (jumpHost, error) {
	jump := jumpHost{user: defaultUser, port: 22}

	if at := strings.LastIndex(s, "@"); at >= 0 {
		jump.user = s[:at]
		s = s[at+1:]
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port.
		host = strings.Trim(s, "[]")
	} else {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return jumpHost{}, fmt.Errorf("invalid jump host port %q", port)
		}
		jump.port = n
	}

	if host == "" {
		return jumpHost{}, fmt.Errorf("jump host is empty")
	}
	if jump.user == "" {
		return jumpHost{}, fmt.Errorf("jump host user is empty")
	}
	jump.host = host
	return jump, nil
}
