package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/peakdocs/collab/internal/hub"
	"github.com/peakdocs/collab/internal/identity"
	"github.com/peakdocs/collab/internal/permissions"
)

// Token is the credential a client presents during the handshake, either as
// the ?token= query parameter or as the first WebSocket message.
type Token struct {
	Account   string `json:"account"`
	Challenge string `json:"challenge"`
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

// UnmarshalJSON accepts the challenge as either a JSON string or a bare
// number; clients that build the token straight from an epoch timestamp
// send the latter.
func (t *Token) UnmarshalJSON(data []byte) error {
	var raw struct {
		Account   string          `json:"account"`
		Challenge json.RawMessage `json:"challenge"`
		Pubkey    string          `json:"pubkey"`
		Signature string          `json:"signature"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Account = raw.Account
	t.Pubkey = raw.Pubkey
	t.Signature = raw.Signature
	t.Challenge = ""
	switch {
	case len(raw.Challenge) == 0 || string(raw.Challenge) == "null":
		return nil
	case raw.Challenge[0] == '"':
		return json.Unmarshal(raw.Challenge, &t.Challenge)
	default:
		var n json.Number
		if err := json.Unmarshal(raw.Challenge, &n); err != nil {
			return fmt.Errorf("challenge must be a string or number: %w", err)
		}
		t.Challenge = n.String()
		return nil
	}
}

// Authenticator validates handshake tokens: challenge freshness, key
// ownership, signature, then document-level read access.
type Authenticator struct {
	Resolver    identity.Resolver
	Permissions permissions.Store

	// ChallengeMaxAge bounds how far in the past the challenge may lie;
	// ChallengeMaxSkew tolerates clients slightly ahead of the server clock.
	ChallengeMaxAge  time.Duration
	ChallengeMaxSkew time.Duration
}

// Authenticate runs the full handshake check and returns the effective
// permission for the document. Failures carry an identity.AuthError whose
// kind ends up in the close reason.
func (a *Authenticator) Authenticate(ctx context.Context, tok Token, doc hub.DocumentID) (permissions.Effective, error) {
	if tok.Account == "" || tok.Challenge == "" || tok.Pubkey == "" || tok.Signature == "" {
		return permissions.Effective{}, identity.Authf(identity.KindMissingFields,
			"token requires account, challenge, pubkey and signature")
	}

	if err := a.checkChallenge(tok.Challenge); err != nil {
		return permissions.Effective{}, err
	}

	keys, err := a.Resolver.ResolveKeys(ctx, tok.Account)
	if err != nil {
		if errors.Is(err, identity.ErrAccountUnknown) {
			return permissions.Effective{}, identity.Authf(identity.KindUnknownAccount,
				"account %q not found", tok.Account)
		}
		return permissions.Effective{}, fmt.Errorf("resolve keys for %s: %w", tok.Account, err)
	}
	if !keys.Contains(tok.Pubkey) {
		return permissions.Effective{}, identity.Authf(identity.KindUnknownKey,
			"key is not published for account %q", tok.Account)
	}

	if err := identity.VerifySignature(tok.Challenge, tok.Signature, tok.Pubkey); err != nil {
		return permissions.Effective{}, identity.NewAuthError(identity.KindBadSignature, err)
	}

	eff, err := a.Permissions.Resolve(ctx, tok.Account, doc.Owner, doc.Permlink)
	if err != nil {
		return permissions.Effective{}, fmt.Errorf("resolve permission: %w", err)
	}
	if !eff.CanRead {
		return permissions.Effective{}, identity.Authf(identity.KindAccessDenied,
			"account %q cannot read %s", tok.Account, doc)
	}
	return eff, nil
}

// checkChallenge parses the challenge as epoch seconds and enforces the
// freshness window.
func (a *Authenticator) checkChallenge(challenge string) error {
	epoch, err := strconv.ParseInt(challenge, 10, 64)
	if err != nil {
		return identity.Authf(identity.KindBadChallengeFormat,
			"challenge must be epoch seconds: %v", err)
	}
	issued := time.Unix(epoch, 0)
	now := time.Now()
	if age := now.Sub(issued); age > a.ChallengeMaxAge {
		return identity.Authf(identity.KindChallengeExpired,
			"challenge is %s old, limit %s", age.Round(time.Second), a.ChallengeMaxAge)
	}
	if ahead := issued.Sub(now); ahead > a.ChallengeMaxSkew {
		return identity.Authf(identity.KindChallengeFromFuture,
			"challenge is %s ahead of server clock", ahead.Round(time.Second))
	}
	return nil
}
