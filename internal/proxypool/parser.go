package proxypool

import (
	"fmt"
	"strconv"
	"strings"

	"outreach/internal/model"
)

// ParseLine parses one proxy line. Supported:
//
//	ip:port
//	ip:port:user:pass
//	user:pass@ip:port
//
// each optionally prefixed by socks5:// or http://.
func ParseLine(line string) (model.Proxy, error) {
	line = strings.TrimSpace(line)
	scheme := "socks5"
	if i := strings.Index(line, "://"); i > 0 {
		scheme = strings.ToLower(line[:i])
		line = line[i+3:]
	}
	switch scheme {
	case "socks5", "socks5h":
		scheme = "socks5"
	case "http", "https":
	default:
		return model.Proxy{}, fmt.Errorf("unsupported proxy scheme %q", scheme)
	}

	if strings.Contains(line, "@") {
		auth, hostport, _ := strings.Cut(line, "@")
		user, pass, ok := strings.Cut(auth, ":")
		if !ok {
			return model.Proxy{}, fmt.Errorf("invalid auth (expected user:pass): %q", auth)
		}
		host, port, err := splitHostPort(hostport)
		if err != nil {
			return model.Proxy{}, err
		}
		return model.Proxy{Scheme: scheme, Host: host, Port: port, Username: user, Password: pass}, nil
	}

	col := strings.Split(line, ":")
	switch len(col) {
	case 2:
		host, port, err := splitHostPort(line)
		if err != nil {
			return model.Proxy{}, err
		}
		return model.Proxy{Scheme: scheme, Host: host, Port: port}, nil
	case 4:
		host, port, err := splitHostPort(col[0] + ":" + col[1])
		if err != nil {
			return model.Proxy{}, err
		}
		return model.Proxy{Scheme: scheme, Host: host, Port: port, Username: col[2], Password: col[3]}, nil
	default:
		return model.Proxy{}, fmt.Errorf("unrecognized proxy format: %q", line)
	}
}

// ParseLines parses many lines, skipping blanks and # comments. Invalid lines
// are returned separately so the caller can report them.
func ParseLines(lines []string) (ok []model.Proxy, invalid []string) {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		p, err := ParseLine(l)
		if err != nil {
			invalid = append(invalid, l)
			continue
		}
		ok = append(ok, p)
	}
	return ok, invalid
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, ok := strings.Cut(s, ":")
	if !ok || host == "" || strings.Contains(portStr, ":") {
		return "", 0, fmt.Errorf("invalid host:port: %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
