package channel

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signSHA256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMAC_Valid(t *testing.T) {
	body := []byte(`{"content":"hello"}`)
	assert.True(t, verifyHMAC(body, "test-secret", signSHA256("test-secret", body)))
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	assert.False(t, verifyHMAC([]byte("body"), "secret", "sha256=invalid"))
}

func TestVerifyHMAC_Empty(t *testing.T) {
	assert.False(t, verifyHMAC([]byte("body"), "secret", ""))
}

func TestTwilioSignature_SortsParams(t *testing.T) {
	params := url.Values{"To": {"+18005551212"}, "Body": {"hi"}, "From": {"+12349013030"}}

	mac := hmac.New(sha1.New, []byte("12345"))
	mac.Write([]byte("https://example.com/hook" + "Bodyhi" + "From+12349013030" + "To+18005551212"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, twilioSignature("12345", "https://example.com/hook", params))
}

func TestVerifyTwilio_Mismatch(t *testing.T) {
	params := url.Values{"Body": {"hi"}}
	sig := twilioSignature("token", "https://example.com/webhook/1", params)
	assert.True(t, verifyTwilio("token", "https://example.com/webhook/1", params, sig))
	assert.False(t, verifyTwilio("token", "https://example.com/webhook/2", params, sig))
	assert.False(t, verifyTwilio("other", "https://example.com/webhook/1", params, sig))
}

func TestSplitMessage_Short(t *testing.T) {
	assert.Len(t, splitMessage("short message", 100), 1)
}

func TestSplitMessage_Long(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	assert.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 50, "chunk %d too long", i)
	}
	assert.Equal(t, long, strings.Join(chunks, ""))
}

func TestSplitMessage_Empty(t *testing.T) {
	assert.Len(t, splitMessage("", 100), 1)
}
