package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// VerifyNotification проверяет заголовок Stripe-Signature: HMAC-SHA256 от
// "<timestamp>.<тело>" и возраст метки времени.
func (a *Adapter) VerifyNotification(_ context.Context, header http.Header, body []byte) (bool, error) {
	if a.cfg.WebhookSecret == "" {
		return false, nil
	}
	sigHeader := strings.TrimSpace(header.Get("Stripe-Signature"))
	if sigHeader == "" {
		return false, nil
	}

	ts, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return false, nil
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, nil
	}
	age := a.now().Sub(time.Unix(sec, 0))
	if age > a.cfg.Tolerance || age < -a.cfg.Tolerance {
		return false, nil
	}

	expected := computeSignature(a.cfg.WebhookSecret, ts, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true, nil
		}
	}
	return false, nil
}

func computeSignature(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (string, []string, error) {
	var ts string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			ts = strings.TrimSpace(kv[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(kv[1]))
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid signature header")
	}
	return ts, signatures, nil
}
