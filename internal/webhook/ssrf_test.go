package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSSRF_BlocksLoopbackAndPrivateRanges(t *testing.T) {
	blocked := []string{
		"http://localhost/hook",
		"http://127.0.0.1/hook",
		"http://0.0.0.0/hook",
		"http://10.0.0.5/hook",
		"http://192.168.1.9/hook",
		"http://169.254.169.254/hook",
		"http://[::1]/hook",
		"http://fd00::1/hook",
		"http://fe80::1/hook",
		"http://172.16.0.0/hook",
		"http://172.31.255.255/hook",
	}

	for _, u := range blocked {
		assert.ErrorIs(t, checkSSRF(u), ErrSSRFBlocked, u)
	}
}

func TestCheckSSRF_AllowsPublicHostsAndBoundaryAddresses(t *testing.T) {
	allowed := []string{
		"https://example.com/hook",
		"http://172.15.255.255/hook",
		"http://172.32.0.0/hook",
	}

	for _, u := range allowed {
		assert.NoError(t, checkSSRF(u), u)
	}
}

func TestCheckSSRF_RejectsNonHTTPScheme(t *testing.T) {
	assert.ErrorIs(t, checkSSRF("ftp://example.com/hook"), ErrSSRFBlocked)
	assert.ErrorIs(t, checkSSRF("file:///etc/passwd"), ErrSSRFBlocked)
}

func TestSign_MatchesHMACSHA256Hex(t *testing.T) {
	got := sign([]byte("s3cr3t"), []byte(`{"event":"package.published"}`))
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, got)
	assert.Equal(t, "sha256=4b4ff32bce6bbf39d2e8cb371a3b691a083ddddf1d81122da1b48edc111efd4c", got)
}
