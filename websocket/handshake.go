package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/internal/errs"
	"github.com/go-unstuck/unstuck/socket"
)

const (
	maxHeaders        = 256
	maxHeaderLine     = 4096
	websocketGUID     = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	websocketsVersion = "13"
)

// rejectionResponse is sent back before returning an origin-check
// failure, so a well-behaved peer blocked on reading the response
// doesn't hang: a rejected handshake is still a complete HTTP exchange.
var rejectionResponse = []byte("HTTP/1.1 403 Forbidden\r\nConnection: close\r\n\r\n")

// ServerHandshake performs the server side of the opening handshake on
// sock, grounded on original_source/websockets/handshake.py's
// serverHandshake. If origins is non-nil, the request's Origin header
// must match one of its entries. Returns the requested resource path.
func ServerHandshake(await deferred.AwaitFunc, sock *socket.Socket, origins []string) (string, error) {
	requestLine, headers, err := readHeaderBlock(await, sock)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(requestLine)
	if len(fields) != 3 {
		return "", &errs.HandshakeError{Msg: "malformed request line"}
	}
	method, path, version := fields[0], fields[1], fields[2]
	if method != "GET" {
		return "", &errs.HandshakeError{Msg: fmt.Sprintf("unsupported method %q", method)}
	}
	if version != "HTTP/1.1" {
		return "", &errs.HandshakeError{Msg: fmt.Sprintf("unsupported HTTP version %q", version)}
	}

	key, err := checkRequest(headers)
	if err != nil {
		return "", err
	}

	if origins != nil {
		origin := headers["Origin"]
		if !containsFold(origins, origin) {
			_, _ = awaitBytes(await, sock.Send(rejectionResponse))
			return "", &errs.HandshakeError{Msg: fmt.Sprintf("bad origin: %s", origin)}
		}
	}

	response := buildResponse(key)
	if _, err := awaitBytes(await, sock.Send(response)); err != nil {
		return "", err
	}
	return path, nil
}

// ClientHandshake performs the client side of the opening handshake.
func ClientHandshake(await deferred.AwaitFunc, sock *socket.Socket, host, resourceName, origin string) error {
	key, request := buildRequest(host, resourceName, origin)
	if _, err := awaitBytes(await, sock.Send(request)); err != nil {
		return err
	}

	statusLine, headers, err := readHeaderBlock(await, sock)
	if err != nil {
		return err
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return &errs.HandshakeError{Msg: "malformed status line"}
	}
	if fields[0] != "HTTP/1.1" {
		return &errs.HandshakeError{Msg: fmt.Sprintf("unsupported HTTP version %q", fields[0])}
	}
	if fields[1] != "101" {
		return &errs.HandshakeError{Msg: fmt.Sprintf("bad status code: %s", fields[1])}
	}
	return checkResponse(headers, key)
}

func buildRequest(host, resourceName, origin string) (string, []byte) {
	key := generateKey()
	lines := []string{
		"GET " + resourceName + " HTTP/1.1",
		"Host: " + host,
	}
	if origin != "" {
		lines = append(lines, "Origin: "+origin)
	}
	lines = append(lines,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: "+key,
		"Sec-WebSocket-Version: "+websocketsVersion,
	)
	return key, []byte(strings.Join(lines, "\r\n") + "\r\n\r\n")
}

func buildResponse(key string) []byte {
	lines := []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + acceptKeyEncode(key),
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n\r\n")
}

func checkRequest(headers map[string]string) (string, error) {
	if !strings.EqualFold(headers["Upgrade"], "websocket") {
		return "", &errs.HandshakeError{Msg: "missing or invalid Upgrade header"}
	}
	if !connectionHasUpgrade(headers["Connection"]) {
		return "", &errs.HandshakeError{Msg: "missing or invalid Connection header"}
	}
	key, ok := headers["Sec-WebSocket-Key"]
	if !ok {
		return "", &errs.HandshakeError{Msg: "missing Sec-WebSocket-Key"}
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 16 {
		return "", &errs.HandshakeError{Msg: "invalid Sec-WebSocket-Key"}
	}
	if headers["Sec-WebSocket-Version"] != websocketsVersion {
		return "", &errs.HandshakeError{Msg: "unsupported Sec-WebSocket-Version"}
	}
	return key, nil
}

func checkResponse(headers map[string]string, key string) error {
	if !strings.EqualFold(headers["Upgrade"], "websocket") {
		return &errs.HandshakeError{Msg: "missing or invalid Upgrade header"}
	}
	if !connectionHasUpgrade(headers["Connection"]) {
		return &errs.HandshakeError{Msg: "missing or invalid Connection header"}
	}
	if headers["Sec-WebSocket-Accept"] != acceptKeyEncode(key) {
		return &errs.HandshakeError{Msg: "invalid Sec-WebSocket-Accept"}
	}
	return nil
}

func connectionHasUpgrade(value string) bool {
	for _, token := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

func acceptKeyEncode(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func generateKey() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	return base64.StdEncoding.EncodeToString(raw)
}

func containsFold(list []string, target string) bool {
	for _, candidate := range list {
		if strings.EqualFold(candidate, target) {
			return true
		}
	}
	return false
}

// readHeaderBlock reads a start line plus a header block terminated by
// a blank line, capping both header count and line length. headers is
// the sole variable holding the parsed set (no duplicate/typo'd header
// variable).
func readHeaderBlock(await deferred.AwaitFunc, sock *socket.Socket) (string, map[string]string, error) {
	startLine, err := readHeaderLine(await, sock)
	if err != nil {
		return "", nil, err
	}
	headers := make(map[string]string, 8)
	for i := 0; i < maxHeaders; i++ {
		line, err := readHeaderLine(await, sock)
		if err != nil {
			return "", nil, err
		}
		if line == "\r\n" {
			return startLine, headers, nil
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return "", nil, err
		}
		headers[name] = value
	}
	return "", nil, &errs.HandshakeError{Msg: "too many headers"}
}

func readHeaderLine(await deferred.AwaitFunc, sock *socket.Socket) (string, error) {
	line, err := awaitBytes(await, sock.RecvLine())
	if err != nil {
		return "", err
	}
	if len(line) > maxHeaderLine {
		return "", &errs.HandshakeError{Msg: "header line too long"}
	}
	return string(line), nil
}

func parseHeaderLine(line string) (string, string, error) {
	trimmed := strings.TrimSuffix(line, "\r\n")
	idx := strings.Index(trimmed, ": ")
	if idx < 0 {
		return "", "", &errs.HandshakeError{Msg: "malformed header line"}
	}
	return trimmed[:idx], trimmed[idx+2:], nil
}
