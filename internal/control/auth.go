package control

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerClientID  = "x-client-id"
	headerTS        = "x-ts"
	headerNonce     = "x-nonce"
	headerSignature = "x-signature"

	signatureWindow = 5 * time.Minute
)

// canonicalString is what a client signs: timestamp, method, path, client
// id, nonce and the raw body, newline separated.
func canonicalString(ts, method, path, clientID, nonce string, body []byte) string {
	return strings.Join([]string{
		ts,
		strings.ToUpper(method),
		path,
		strings.TrimSpace(clientID),
		strings.TrimSpace(nonce),
		string(body),
	}, "\n")
}

func Sign(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// SignRequest sets the auth headers on req for body.
func SignRequest(req *http.Request, body []byte, secret []byte, clientID, nonce string, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	req.Header.Set(headerClientID, clientID)
	req.Header.Set(headerTS, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, Sign(secret, canonicalString(ts, req.Method, req.URL.Path, clientID, nonce, body)))
}

type verifyResult struct {
	ClientID   string
	Nonce      string
	HTTPStatus int
	Message    string
}

func verifyHMAC(r *http.Request, body []byte, secret []byte, now time.Time) verifyResult {
	deny := func(msg string) verifyResult {
		return verifyResult{HTTPStatus: http.StatusUnauthorized, Message: msg}
	}
	clientID := strings.TrimSpace(r.Header.Get(headerClientID))
	if clientID == "" {
		return deny("missing " + headerClientID)
	}
	tsStr := strings.TrimSpace(r.Header.Get(headerTS))
	if tsStr == "" {
		return deny("missing " + headerTS)
	}
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if nonce == "" {
		return deny("missing " + headerNonce)
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))
	if sig == "" {
		return deny("missing " + headerSignature)
	}

	tsMS, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return deny("bad " + headerTS)
	}
	if d := now.UnixMilli() - tsMS; d > signatureWindow.Milliseconds() || d < -signatureWindow.Milliseconds() {
		return deny(headerTS + " outside window")
	}

	want := Sign(secret, canonicalString(tsStr, r.Method, r.URL.Path, clientID, nonce, body))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return deny("bad signature")
	}
	return verifyResult{ClientID: clientID, Nonce: nonce}
}

func requireLoopback(r *http.Request) error {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if IsLoopback(host) {
		return nil
	}
	return fmt.Errorf("forbidden: non-loopback client")
}

// IsLoopback reports whether addr (host or host:port) names the local host.
func IsLoopback(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
