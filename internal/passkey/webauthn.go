// ABOUTME: CeremonyVerifier implementation backed by the go-webauthn library
// ABOUTME: Adapts stored credentials to webauthn.User and serializes ceremony state

package passkey

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/warden-gateway/internal/store"
)

// webAuthnUser adapts a User to the webauthn.User interface.
type webAuthnUser struct {
	user *User
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.Email)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.user.Credentials))
	for i, c := range u.user.Credentials {
		creds[i] = webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			_ = json.Unmarshal([]byte(c.Transports), &transports)
			creds[i].Transport = transports
		}
	}
	return creds
}

// WebAuthnVerifier implements CeremonyVerifier using go-webauthn.
type WebAuthnVerifier struct {
	w *webauthn.WebAuthn
}

// NewWebAuthnVerifier creates a verifier bound to the given relying-party
// identity and origin.
func NewWebAuthnVerifier(rpID, rpDisplayName, origin string) (*WebAuthnVerifier, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     []string{origin},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return &WebAuthnVerifier{w: w}, nil
}

// BeginRegistration starts a credential-creation ceremony, excluding the
// user's already-registered credential IDs.
func (v *WebAuthnVerifier) BeginRegistration(user *User) (json.RawMessage, []byte, error) {
	wu := &webAuthnUser{user: user}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.Credentials))
	for _, c := range user.Credentials {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		})
	}

	options, session, err := v.w.BeginRegistration(wu, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, nil, err
	}

	return marshalCeremony(options, session)
}

// FinishRegistration verifies an attestation response against the stored
// ceremony state and returns the extracted credential.
func (v *WebAuthnVerifier) FinishRegistration(user *User, ceremonyData, response []byte) (*VerifiedCredential, error) {
	session, err := unmarshalSession(ceremonyData)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("parsing attestation response: %w", err)
	}

	cred, err := v.w.CreateCredential(&webAuthnUser{user: user}, *session, parsed)
	if err != nil {
		return nil, err
	}

	transportsJSON, err := json.Marshal(cred.Transport)
	if err != nil {
		return nil, fmt.Errorf("encoding transports: %w", err)
	}

	return &VerifiedCredential{
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      string(transportsJSON),
		SignCount:       cred.Authenticator.SignCount,
	}, nil
}

// BeginAuthentication starts an assertion ceremony. A nil user produces a
// discoverable (identity-less) ceremony.
func (v *WebAuthnVerifier) BeginAuthentication(user *User) (json.RawMessage, []byte, error) {
	var (
		options *protocol.CredentialAssertion
		session *webauthn.SessionData
		err     error
	)
	if user == nil {
		options, session, err = v.w.BeginDiscoverableLogin()
	} else {
		options, session, err = v.w.BeginLogin(&webAuthnUser{user: user})
	}
	if err != nil {
		return nil, nil, err
	}

	return marshalCeremony(options, session)
}

// FinishAuthentication verifies an assertion response. The asserted
// credential is resolved through lookup, by the raw ID in the response.
func (v *WebAuthnVerifier) FinishAuthentication(ceremonyData, response []byte, lookup CredentialLookup) (*AssertionResult, error) {
	session, err := unmarshalSession(ceremonyData)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("parsing assertion response: %w", err)
	}

	stored, err := lookup(parsed.RawID)
	if err != nil {
		return nil, err
	}

	wu := &webAuthnUser{user: &User{
		Email:       stored.Email,
		Credentials: []*store.Credential{stored},
	}}

	var cred *webauthn.Credential
	if len(session.UserID) == 0 {
		finder := func(rawID, userHandle []byte) (webauthn.User, error) {
			if len(userHandle) > 0 && string(userHandle) != stored.Email {
				return nil, errors.New("user handle mismatch")
			}
			return wu, nil
		}
		cred, err = v.w.ValidateDiscoverableLogin(finder, *session, parsed)
	} else {
		cred, err = v.w.ValidateLogin(wu, *session, parsed)
	}
	if err != nil {
		return nil, err
	}

	return &AssertionResult{
		Credential:   stored,
		NewSignCount: cred.Authenticator.SignCount,
	}, nil
}

// marshalCeremony serializes ceremony options and session state.
func marshalCeremony(options any, session *webauthn.SessionData) (json.RawMessage, []byte, error) {
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding options: %w", err)
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding ceremony state: %w", err)
	}
	return optionsJSON, sessionJSON, nil
}

// unmarshalSession restores ceremony state stored at begin time.
func unmarshalSession(ceremonyData []byte) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(ceremonyData, &session); err != nil {
		return nil, fmt.Errorf("decoding ceremony state: %w", err)
	}
	return &session, nil
}
