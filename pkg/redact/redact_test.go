package redact

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("short"))
	assert.Equal(t, "abc****xyz", Mask("abcdefghuvwxyz"))
}

func TestStrip(t *testing.T) {
	in := map[string]string{
		"username":      "alice",
		"password":      "hunter2",
		"userPassword":  "hunter2",
		"senha":         "segredo",
		"Password":      "HUNTER2",
		"apiKey":        "k-123",
		ReauthSecretKey: "abc",
	}

	t.Run("Default", func(t *testing.T) {
		out := Persistence.Strip(in)
		assert.Equal(t, map[string]string{"username": "alice", "apiKey": "k-123"}, out)
		assert.Contains(t, in, "password", "input must not be modified")
	})

	t.Run("KeepReauth", func(t *testing.T) {
		out := Persistence.Strip(in, ReauthSecretKey)
		assert.Equal(t, "abc", out[ReauthSecretKey])
		assert.NotContains(t, out, "password")
		assert.NotContains(t, out, "userPassword")
		assert.NotContains(t, out, "senha")
	})

	t.Run("Nil", func(t *testing.T) {
		assert.Nil(t, Persistence.Strip(nil))
	})
}

func TestMaskValue(t *testing.T) {
	in := map[string]any{
		"email":    "someone@example.com",
		"password": "supersecretvalue",
		"nested": map[string]any{
			"access_token": "0123456789abcdef",
			"list":         []any{map[string]any{"appSecret": "zzzzzzzzzzzz"}},
		},
	}
	out := Logging.MaskValue(in).(map[string]any)
	assert.Equal(t, "someone@example.com", out["email"])
	assert.Equal(t, "sup****lue", out["password"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "012****def", nested["access_token"])
	list := nested["list"].([]any)
	assert.Equal(t, "zzz****zzz", list[0].(map[string]any)["appSecret"])
	assert.Equal(t, "supersecretvalue", in["password"], "input must not be modified")
}

func TestMaskURL(t *testing.T) {
	u, err := url.Parse("https://example.com/sites/list?api_key=ABCDEFGHIJKL&size=10")
	require.NoError(t, err)
	masked := Logging.MaskURL(u)
	assert.Contains(t, masked, "api_key=ABC%2A%2A%2A%2AJKL")
	assert.Contains(t, masked, "size=10")
	assert.NotContains(t, masked, "ABCDEFGHIJKL")
}

func TestMaskHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "API 1234567890:signaturevalue")
	h.Set("Content-Type", "application/json")
	out := Logging.MaskHeader(h)
	assert.Equal(t, "API****lue", out["Authorization"])
	assert.Equal(t, "application/json", out["Content-Type"])
}

func TestMaskJSON(t *testing.T) {
	out := Logging.MaskJSON([]byte(`{"token":"abcdefghijklmnop","ok":true}`), 0)
	assert.JSONEq(t, `{"token":"abc****nop","ok":true}`, out)

	assert.Equal(t, "<html>...", Logging.MaskJSON([]byte("<html><body>login</body></html>"), 6))
}
