// Package webhook authenticates MercadoPago notifications and applies the
// payment they announce to its order.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "x-signature"
	HeaderRequestID = "x-request-id"

	// MaxSkew is the accepted distance between the signed ts and now.
	MaxSkew = 300 * time.Second
)

// Notification is one inbound delivery. It is never persisted.
type Notification struct {
	DataID    string
	Signature string
	RequestID string
}

// Manifest is the exact string MercadoPago signs.
func Manifest(dataID, requestID, ts string) string {
	return "id:" + dataID + ";request-id:" + requestID + ";ts:" + ts + ";"
}

// Sign returns an x-signature header value for the given inputs.
func Sign(dataID, requestID, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "ts=" + t + ",v1=" + digest(secret, Manifest(dataID, requestID, t))
}

func digest(secret, manifest string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the signature header authenticates dataID. Any
// malformed input yields false; the reason is never exposed.
func Verify(signature, requestID, dataID, secret string, now time.Time) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if signature == "" || requestID == "" || secret == "" {
		return false
	}

	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(v)
		case "v1":
			v1 = strings.TrimSpace(v)
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	// Whole seconds, so a ts exactly MaxSkew old is still accepted.
	skew := now.Unix() - sec
	if skew < 0 {
		skew = -skew
	}
	if skew < 0 || skew > int64(MaxSkew/time.Second) {
		return false
	}

	want := digest(secret, Manifest(dataID, requestID, ts))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(v1)))
}
