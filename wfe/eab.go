package wfe

import (
	"encoding/json"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/probs"
)

// validExternalAccountBinding checks an externalAccountBinding JWS carried in
// a new-account payload, per RFC 8555 section 7.3.4. The EAB JWS must:
//  1. be signed with HS256 using a MAC key the broker was configured with,
//     identified by the JWS "kid" header
//  2. carry the same "url" header as the outer new-account JWS
//  3. have the account public key from the outer JWS as its payload
//
// On success the key identifier that bound the account is returned so it can
// be relayed upstream with orders for this account.
func (wfe *WebFrontEndImpl) validExternalAccountBinding(
	rawEAB json.RawMessage,
	accountKey *jose.JSONWebKey,
	request *http.Request) (string, *probs.ProblemDetails) {
	eabJWS, err := jose.ParseSigned(string(rawEAB), []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "EABParseFailed"}).Inc()
		return "", probs.Malformed("Parse error reading externalAccountBinding JWS")
	}
	if len(eabJWS.Signatures) != 1 {
		return "", probs.Malformed("externalAccountBinding must have exactly one signature")
	}

	header := eabJWS.Signatures[0].Header
	keyID := header.KeyID
	if keyID == "" {
		return "", probs.Malformed("externalAccountBinding JWS has no kid header")
	}
	if header.JSONWebKey != nil {
		return "", probs.Malformed("externalAccountBinding JWS must not have an embedded JWK")
	}
	if header.Nonce != "" {
		return "", probs.Malformed("externalAccountBinding JWS must not have a nonce header")
	}

	macKey, ok := wfe.ExternalAccountKeys[keyID]
	if !ok {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "EABUnknownKeyID"}).Inc()
		return "", probs.Unauthorized("externalAccountBinding key identifier is not recognised")
	}

	payload, err := eabJWS.Verify(macKey)
	if err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "EABVerifyFailed"}).Inc()
		return "", probs.Unauthorized("externalAccountBinding JWS verification error")
	}

	// The binding must be signed over the same URL as the enclosing
	// new-account request.
	eabURL, ok := header.ExtraHeaders[jose.HeaderKey("url")].(string)
	if !ok || eabURL == "" {
		return "", probs.Malformed("externalAccountBinding JWS header parameter 'url' required")
	}
	if prob := wfe.validPOSTURL(request, header); prob != nil {
		return "", prob
	}

	// The payload of the binding is the account public key. It must match the
	// key that signed the outer JWS, proving that the holder of the MAC key
	// approves of this specific account key.
	var boundKey jose.JSONWebKey
	err = json.Unmarshal(payload, &boundKey)
	if err != nil || !boundKey.Valid() {
		return "", probs.Malformed("externalAccountBinding payload did not parse as a JWK")
	}
	if !core.KeyDigestEquals(boundKey.Key, accountKey.Key) {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "EABKeyMismatch"}).Inc()
		return "", probs.Malformed(
			"externalAccountBinding JWK does not match account key of the enclosing request")
	}

	return keyID, nil
}
