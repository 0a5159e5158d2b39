package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// APICreds are the L2 credentials issued by the CLOB for a wallet.
type APICreds struct {
	Key        string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Complete reports whether all three credential parts are present.
func (c APICreds) Complete() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// L2Headers returns the POLY_* headers for an authenticated CLOB request
// signed at the current time.
func (c APICreds) L2Headers(address, method, path, body string) map[string]string {
	return c.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is L2Headers with a caller-supplied Unix timestamp. The
// signature is HMAC-SHA256(urlsafe-b64-decoded secret, ts+method+path+body),
// urlsafe base64 encoded.
func (c APICreds) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, decodeSecret(c.Secret))
	mac.Write([]byte(ts + method + path + body))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  base64.URLEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (c APICreds) String() string {
	mask := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return "APICreds{key=" + mask(c.Key) + ", secret=" + mask(c.Secret) + "}"
}

// decodeSecret accepts both urlsafe and standard base64; anything else is
// used raw so a bad secret yields a rejected signature rather than a panic.
func decodeSecret(secret string) []byte {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(secret); err == nil {
			return b
		}
	}
	return []byte(secret)
}
