package httpserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWriteTimeoutCoversConfirmationWindow(t *testing.T) {
	confirm := 30 * time.Second
	srv := New(":0", http.NotFoundHandler(), confirm)

	assert.Equal(t, ":0", srv.Addr)
	assert.Greater(t, srv.WriteTimeout, 2*confirm,
		"a request awaiting confirmation must not be cut off mid-response")
	assert.NotZero(t, srv.ReadHeaderTimeout)
	assert.NotZero(t, srv.IdleTimeout)
}
