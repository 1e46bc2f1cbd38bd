package tokens_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvidai/assistant-backend/internal/tokens"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc := tokens.New("test-secret", time.Hour)
	tok, err := svc.Issue("artifact-123")
	require.NoError(t, err)

	got, err := svc.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "artifact-123", got)
}

func TestVerifyExpired(t *testing.T) {
	svc := tokens.New("test-secret", -time.Second)
	tok, err := svc.Issue("artifact-123")
	require.NoError(t, err)

	_, err = svc.Verify(tok)
	require.ErrorIs(t, err, tokens.ErrExpired)
}

func TestVerifyInvalidSignature(t *testing.T) {
	issuer := tokens.New("secret-a", time.Hour)
	verifier := tokens.New("secret-b", time.Hour)

	tok, err := issuer.Issue("artifact-123")
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	require.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestVerifyMalformed(t *testing.T) {
	svc := tokens.New("secret", time.Hour)
	_, err := svc.Verify("not-a-jwt")
	require.ErrorIs(t, err, tokens.ErrInvalidToken)
}
