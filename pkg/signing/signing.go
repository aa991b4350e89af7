// Package signing holds the hashing and request-signing primitives that vendor
// APIs require.
package signing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MD5Hex returns the lowercase hex MD5 digest of b.
func MD5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// MD5Base64 returns the standard base64 encoding of the MD5 digest of b.
func MD5Base64(b []byte) string {
	sum := md5.Sum(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HMACSHA1Base64 signs msg with key and returns the base64 digest.
func HMACSHA1Base64(key, msg string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// GrowattPassword is the ShineServer login hash: MD5 hex where every '0' at an
// even index is replaced with 'c'.
func GrowattPassword(password string) string {
	b := []byte(MD5Hex([]byte(password)))
	for i := 0; i < len(b); i += 2 {
		if b[i] == '0' {
			b[i] = 'c'
		}
	}
	return string(b)
}

// HoymilesPassword is the S-Miles login hash: md5 hex, a dot, then base64 of
// the raw SHA-256 digest.
func HoymilesPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return MD5Hex([]byte(password)) + "." + base64.StdEncoding.EncodeToString(sum[:])
}

// SolisStringToSign builds the canonical string for the HMAC-signed vendor.
func SolisStringToSign(contentMD5, contentType, date, path string) string {
	return strings.Join([]string{"POST", contentMD5, contentType, date, path}, "\n")
}

// SolisAuthorization returns the Authorization header value for a request
// body sent to path at date.
func SolisAuthorization(keyID, keySecret string, body []byte, date time.Time, path string) (auth, contentMD5, httpDate string) {
	contentMD5 = MD5Base64(body)
	httpDate = date.UTC().Format(http.TimeFormat)
	sig := HMACSHA1Base64(keySecret, SolisStringToSign(contentMD5, "application/json", httpDate, path))
	return "API " + keyID + ":" + sig, contentMD5, httpDate
}

// FoxESSSignature signs a request path with the static token.
func FoxESSSignature(path, token string, ts time.Time) (signature, timestamp string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	return MD5Hex([]byte(path + "\r\n" + token + "\r\n" + timestamp)), timestamp
}
