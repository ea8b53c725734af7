package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/auth"
)

func TestCommandTree(t *testing.T) {
	for _, name := range []string{"serve", "migrate", "sweep"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
		assert.NotNil(t, cmd.Flags().Lookup("database-url"), name)
	}
	token, _, err := rootCmd.Find([]string{"token"})
	require.NoError(t, err)
	assert.NotNil(t, token.Flags().Lookup("owner"))
	serve, _, err := rootCmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("port"))
}

func TestAppOptionsFromFlags(t *testing.T) {
	sweep, _, err := rootCmd.Find([]string{"sweep"})
	require.NoError(t, err)
	// logger and version are always set; an empty database-url adds nothing.
	assert.Len(t, appOptions(sweep), 2)

	serve, _, err := rootCmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.Flags().Set("port", "9191"))
	require.NoError(t, serve.Flags().Set("database-url", "postgres://localhost/x"))
	t.Cleanup(func() {
		_ = serve.Flags().Set("port", "0")
		_ = serve.Flags().Set("database-url", "")
	})
	assert.Len(t, appOptions(serve), 4)
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	t.Setenv("TSUGI_JWT_PRIVATE_KEY", privPath)
	t.Setenv("TSUGI_JWT_PUBLIC_KEY", pubPath)

	var out bytes.Buffer
	tokenCmd.SetOut(&out)
	t.Cleanup(func() { tokenCmd.SetOut(nil) })
	require.NoError(t, tokenCmd.Flags().Set("owner", "21"))
	require.NoError(t, tokenCmd.Flags().Set("ttl", "10m"))
	require.NoError(t, runToken(tokenCmd, nil))

	verifier, err := auth.NewJWTManager("", pubPath, time.Hour)
	require.NoError(t, err)
	claims, err := verifier.ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, int64(21), claims.OwnerID)
}
