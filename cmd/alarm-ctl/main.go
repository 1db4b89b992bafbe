package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// alarm-ctl - command-line client for the alarmbox command listener
// ============================================================================
// Sends one request line and prints the response body.
//
// Usage:
//   alarm-ctl on
//   alarm-ctl off
//   alarm-ctl raw /xyz
//
// Options:
//   -addr HOST:PORT   Command listener address (default: 127.0.0.1:1234)
//   -timeout DUR      Dial and read timeout (default: 3s)
// ============================================================================

const (
	defaultAddr    = "127.0.0.1:1234"
	defaultTimeout = 3 * time.Second
)

func main() {
	addr := defaultAddr
	timeout := defaultTimeout

	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch strings.TrimLeft(args[0], "-") {
		case "addr":
			if len(args) < 2 {
				fmt.Fprintf(os.Stderr, "error: -addr requires an argument\n")
				os.Exit(1)
			}
			addr = args[1]
			args = args[2:]
		case "timeout":
			if len(args) < 2 {
				fmt.Fprintf(os.Stderr, "error: -timeout requires an argument\n")
				os.Exit(1)
			}
			d, err := time.ParseDuration(args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: invalid timeout: %v\n", err)
				os.Exit(1)
			}
			timeout = d
			args = args[2:]
		case "h", "help":
			printUsage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "error: unknown option: %s\n", args[0])
			printUsage()
			os.Exit(1)
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var path string
	switch args[0] {
	case "on":
		path = "/on"
	case "off":
		path = "/off"
	case "raw":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: raw requires a path\n")
			os.Exit(1)
		}
		path = args[1]
	case "help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	status, body, err := sendRequest(addr, path, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(body)
	if status != 200 {
		os.Exit(2)
	}
}

// sendRequest writes a single request line and reads one response.
// The whole request goes out in one write: the server parses each read on its own.
func sendRequest(addr, path string, timeout time.Duration) (int, string, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return 0, "", fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", path, addr)
	if _, err := io.WriteString(conn, req); err != nil {
		return 0, "", fmt.Errorf("send request: %w", err)
	}

	return readResponse(bufio.NewReader(conn))
}

// readResponse parses a status line, headers and a Content-Length body.
func readResponse(r *bufio.Reader) (int, string, error) {
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, "", errors.New("connection closed without a response")
		}
		return 0, "", fmt.Errorf("read status line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, "", fmt.Errorf("malformed status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", fmt.Errorf("malformed status code %q", parts[1])
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return 0, "", fmt.Errorf("read headers: %w", err)
	}
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("missing or invalid Content-Length")
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, "", fmt.Errorf("read body: %w", err)
	}
	return status, string(body), nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `alarm-ctl - Switch alarmbox outputs over its command listener

Usage:
  alarm-ctl [options] <command> [args]

Options:
  -addr HOST:PORT   Command listener address (default: %s)
  -timeout DUR      Dial and read timeout (default: %s)

Commands:
  on                Drive the alarm and eye outputs active
  off               Drive them inactive
  raw <path>        Send an arbitrary request path
  help              Show this help message

Exit status is 0 on a 200 response, 2 on any other response, 1 on error.

Examples:
  alarm-ctl on
  alarm-ctl -addr 192.168.1.50:1234 off
`, defaultAddr, defaultTimeout)
}
